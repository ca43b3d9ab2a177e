// Package entitlements decides whether a clinic owner may use protected
// features and enforces plan limits.
package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agendaclinica/internal/config"
	"agendaclinica/internal/observability"
	"agendaclinica/internal/store"
	"agendaclinica/internal/subscription"
)

var (
	ErrProfessionalLimitReached = store.ErrProfessionalLimitReached
	ErrProfessionalNameRequired = errors.New("professional name is required")
)

type Store interface {
	GetSubscriptionByOwner(ctx context.Context, ownerID string) (subscription.Record, error)
	CreateTrialSubscription(ctx context.Context, ownerID string, plan subscription.Plan, periodEnd time.Time) (subscription.Record, error)
	CancelSubscription(ctx context.Context, ownerID string, now time.Time) (subscription.Record, error)
	CountActiveProfessionals(ctx context.Context, ownerID string) (int, error)
	AddProfessionalWithinPlan(ctx context.Context, ownerID, name string) (string, error)
}

// SweepTrigger starts a scoped sweep without waiting for it.
type SweepTrigger interface {
	TriggerSweep(ctx context.Context, ownerID string)
}

type Decision struct {
	HasAccess    bool                 `json:"hasAccess"`
	AccessStatus AccessStatus         `json:"accessStatus"`
	Subscription *subscription.Record `json:"-"`
	Message      string               `json:"message"`
}

type Service struct {
	Config   config.Config
	Store    Store
	Trigger  SweepTrigger
	Observer *observability.AccessObserver
	Logger   zerolog.Logger
	Now      func() time.Time
}

func NewService(cfg config.Config, st Store, trigger SweepTrigger, observer *observability.AccessObserver, logger zerolog.Logger) *Service {
	return &Service{
		Config:   cfg,
		Store:    st,
		Trigger:  trigger,
		Observer: observer,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) grace() time.Duration {
	return time.Duration(s.Config.Subscription.GraceDays) * subscription.Day
}

// CheckAccess never returns an error: storage failures deny with
// AccessError so a broken read path fails closed. Records that should
// already be blocked get a scoped sweep.
func (s *Service) CheckAccess(ctx context.Context, ownerID string) Decision {
	if s == nil || s.Store == nil {
		return Decision{AccessStatus: AccessError, Message: subscription.MessageVerifyFailed}
	}
	decision, pending := s.decide(ctx, ownerID)
	s.Observer.RecordDecision(ownerID, string(decision.AccessStatus), decision.HasAccess)
	if pending && s.Trigger != nil {
		s.Trigger.TriggerSweep(ctx, ownerID)
	}
	return decision
}

// Describe computes the same decision as CheckAccess for display only. It
// records nothing and never triggers a sweep.
func (s *Service) Describe(ctx context.Context, ownerID string) Decision {
	if s == nil || s.Store == nil {
		return Decision{AccessStatus: AccessError, Message: subscription.MessageVerifyFailed}
	}
	decision, _ := s.decide(ctx, ownerID)
	return decision
}

// decide also reports whether the record is waiting for the sweeper.
func (s *Service) decide(ctx context.Context, ownerID string) (Decision, bool) {
	if ownerID == "" {
		return Decision{AccessStatus: AccessNoSubscription, Message: subscription.MessageNoSubscription}, false
	}

	rec, err := s.Store.GetSubscriptionByOwner(ctx, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{AccessStatus: AccessNoSubscription, Message: subscription.MessageNoSubscription}, false
	}
	if err != nil {
		s.Logger.Error().Err(err).Str("owner_id", ownerID).Msg("load subscription for access check")
		return Decision{AccessStatus: AccessError, Message: subscription.MessageVerifyFailed}, false
	}

	c := subscription.ClassifyWithGrace(&rec, s.Now(), s.grace())
	hasAccess, status := Decide(&rec, c)
	decision := Decision{
		HasAccess:    hasAccess,
		AccessStatus: status,
		Subscription: &rec,
	}
	if status == AccessUnknown {
		decision.Message = subscription.MessageUnknown
	} else {
		decision.Message = subscription.FormatMessage(&rec, c)
	}
	return decision, status == AccessBlocked && pendingBlock(c)
}

// StartTrial creates the signup trial. An owner that already has a record
// gets the store's ErrSubscriptionExists back.
func (s *Service) StartTrial(ctx context.Context, ownerID string, plan subscription.Plan) (subscription.Record, error) {
	if plan.MaxProfessionals() == 0 {
		return subscription.Record{}, subscription.ErrUnknownPlan
	}
	trialDays := s.Config.Subscription.TrialDays
	if trialDays <= 0 {
		trialDays = subscription.DefaultTrialDays
	}
	end := s.Now().Add(time.Duration(trialDays) * subscription.Day)
	rec, err := s.Store.CreateTrialSubscription(ctx, ownerID, plan, end)
	if err != nil {
		return rec, fmt.Errorf("start trial: %w", err)
	}
	s.Logger.Info().Str("owner_id", ownerID).Str("plan", string(plan)).Time("period_end", end).Msg("trial started")
	return rec, nil
}

func (s *Service) Cancel(ctx context.Context, ownerID string) (subscription.Record, error) {
	rec, err := s.Store.CancelSubscription(ctx, ownerID, s.Now())
	if err != nil {
		return rec, fmt.Errorf("cancel subscription: %w", err)
	}
	s.Logger.Info().Str("owner_id", ownerID).Msg("subscription canceled")
	return rec, nil
}

type Usage struct {
	Plan              subscription.Plan `json:"plan"`
	MaxProfessionals  int               `json:"maxProfessionals"`
	UsedProfessionals int               `json:"usedProfessionals"`
}

// EnforceProfessionalLimit fails when the owner's plan has no room for
// another professional.
func (s *Service) EnforceProfessionalLimit(ctx context.Context, ownerID string) (Usage, error) {
	rec, err := s.Store.GetSubscriptionByOwner(ctx, ownerID)
	if err != nil {
		return Usage{}, err
	}
	count, err := s.Store.CountActiveProfessionals(ctx, ownerID)
	if err != nil {
		return Usage{}, err
	}
	usage := Usage{
		Plan:              rec.Plan,
		MaxProfessionals:  rec.Plan.MaxProfessionals(),
		UsedProfessionals: count,
	}
	if count >= usage.MaxProfessionals {
		return usage, ErrProfessionalLimitReached
	}
	return usage, nil
}

// AddProfessional registers a professional when the owner's plan still has
// room, and returns ErrProfessionalLimitReached otherwise.
func (s *Service) AddProfessional(ctx context.Context, ownerID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrProfessionalNameRequired
	}
	id, err := s.Store.AddProfessionalWithinPlan(ctx, ownerID, name)
	if err != nil {
		return "", fmt.Errorf("add professional: %w", err)
	}
	s.Logger.Info().Str("owner_id", ownerID).Str("professional_id", id).Msg("professional added")
	return id, nil
}
