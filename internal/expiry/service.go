// Package expiry moves overdue subscriptions to blocked.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agendaclinica/internal/observability"
	"agendaclinica/internal/store"
	"agendaclinica/internal/subscription"
)

const preapprovalAuthorized = "authorized"

// Store is the slice of persistence the sweeper needs.
type Store interface {
	BlockExpiredTrials(ctx context.Context, ownerID string, now time.Time) ([]string, error)
	ListActiveBeyondGrace(ctx context.Context, ownerID string, cutoff time.Time) ([]subscription.Record, error)
	BlockActiveBeyondGrace(ctx context.Context, ownerID string, cutoff, now time.Time, onlyOwners []string) ([]string, error)
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// PreapprovalChecker reports the vendor status of a recurring authorization.
type PreapprovalChecker interface {
	PreapprovalStatus(ctx context.Context, preapprovalID string) (string, error)
}

type Service struct {
	Store    Store
	Now      func() time.Time
	Grace    time.Duration
	Logger   zerolog.Logger
	Observer *observability.AccessObserver

	// Checker is consulted only when VerifyBeforeBlock is set.
	Checker           PreapprovalChecker
	VerifyBeforeBlock bool
}

type Report struct {
	TestBlocked   int `json:"testBlocked"`
	ActiveBlocked int `json:"activeBlocked"`
	// Skipped counts active candidates kept because the vendor still
	// reports an authorized preapproval.
	Skipped int `json:"skipped,omitempty"`
}

func (r Report) Updated() int {
	return r.TestBlocked + r.ActiveBlocked
}

func NewService(st Store, logger zerolog.Logger, observer *observability.AccessObserver) *Service {
	return &Service{
		Store:    st,
		Now:      func() time.Time { return time.Now().UTC() },
		Grace:    subscription.DefaultGraceDays * subscription.Day,
		Logger:   logger,
		Observer: observer,
	}
}

// Sweep blocks expired trials and active subscriptions past the grace window.
// An empty ownerID sweeps every tenant. Both updates commit together or not
// at all, and a second run without intervening changes reports zeros.
func (s *Service) Sweep(ctx context.Context, ownerID string) (Report, error) {
	var report Report
	if s == nil || s.Store == nil {
		return report, nil
	}

	now := s.Now()
	cutoff := now.Add(-s.Grace)

	var onlyOwners []string
	if s.VerifyBeforeBlock && s.Checker != nil {
		owners, skipped, err := s.verifiedCandidates(ctx, ownerID, cutoff)
		if err != nil {
			s.Observer.RecordSweep(ownerID, 0, 0, err)
			return report, err
		}
		onlyOwners = owners
		report.Skipped = skipped
	}

	err := s.Store.RunInTx(ctx, func(tx Store) error {
		trials, err := tx.BlockExpiredTrials(ctx, ownerID, now)
		if err != nil {
			return err
		}
		active, err := tx.BlockActiveBeyondGrace(ctx, ownerID, cutoff, now, onlyOwners)
		if err != nil {
			return err
		}
		report.TestBlocked = len(trials)
		report.ActiveBlocked = len(active)
		return nil
	})
	if err != nil {
		err = fmt.Errorf("expiry sweep: %w", err)
		s.Observer.RecordSweep(ownerID, 0, 0, err)
		return Report{}, err
	}

	s.Observer.RecordSweep(ownerID, report.TestBlocked, report.ActiveBlocked, nil)
	return report, nil
}

// verifiedCandidates runs before the transaction so vendor calls never hold
// row locks. Candidates whose lookup fails are still blocked.
func (s *Service) verifiedCandidates(ctx context.Context, ownerID string, cutoff time.Time) ([]string, int, error) {
	candidates, err := s.Store.ListActiveBeyondGrace(ctx, ownerID, cutoff)
	if err != nil {
		return nil, 0, fmt.Errorf("expiry sweep: %w", err)
	}
	owners := make([]string, 0, len(candidates))
	skipped := 0
	for _, rec := range candidates {
		if !rec.ExternalPreapprovalID.Valid || rec.ExternalPreapprovalID.String == "" {
			owners = append(owners, rec.OwnerID)
			continue
		}
		status, err := s.Checker.PreapprovalStatus(ctx, rec.ExternalPreapprovalID.String)
		if err != nil {
			s.Logger.Warn().Err(err).Str("owner_id", rec.OwnerID).Msg("preapproval lookup failed, blocking anyway")
			owners = append(owners, rec.OwnerID)
			continue
		}
		if status == preapprovalAuthorized {
			s.Logger.Info().Str("owner_id", rec.OwnerID).Str("preapproval_id", rec.ExternalPreapprovalID.String).Msg("skipping block, preapproval still authorized")
			skipped++
			continue
		}
		owners = append(owners, rec.OwnerID)
	}
	return owners, skipped, nil
}

type storeAdapter struct {
	*store.Store
}

// FromStore adapts the Postgres store to the sweeper's Store interface.
func FromStore(st *store.Store) Store {
	return storeAdapter{Store: st}
}

func (a storeAdapter) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return a.Store.WithTx(ctx, func(tx *store.Store) error {
		return fn(storeAdapter{Store: tx})
	})
}
