package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agendaclinica/internal/subscription"
)

var ErrSubscriptionExists = errors.New("subscription already exists")

const subscriptionColumns = `id::text, owner_id, plan, status, current_period_end, external_preapproval_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (subscription.Record, error) {
	var rec subscription.Record
	var plan, status string
	if err := row.Scan(&rec.ID, &rec.OwnerID, &plan, &status, &rec.CurrentPeriodEnd, &rec.ExternalPreapprovalID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Plan = subscription.Plan(plan)
	rec.Status = subscription.Status(status)
	return rec, nil
}

// GetSubscriptionByOwner returns sql.ErrNoRows when the owner never signed up.
func (s *Store) GetSubscriptionByOwner(ctx context.Context, ownerID string) (subscription.Record, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = $1`, ownerID)
	return scanSubscription(row)
}

func (s *Store) getSubscriptionForUpdate(ctx context.Context, ownerID string) (subscription.Record, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = $1 FOR UPDATE`, ownerID)
	return scanSubscription(row)
}

func (s *Store) CreateTrialSubscription(ctx context.Context, ownerID string, plan subscription.Plan, periodEnd time.Time) (subscription.Record, error) {
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, owner_id, plan, status, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, 'test', $4, now(), now())
		ON CONFLICT (owner_id) DO NOTHING
		RETURNING `+subscriptionColumns,
		uuid.NewString(), ownerID, string(plan), periodEnd)
	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrSubscriptionExists
	}
	return rec, err
}

// BlockExpiredTrials flips every test subscription whose period ended before
// now to blocked in one statement and returns the affected owners. An empty
// ownerID sweeps all tenants.
func (s *Store) BlockExpiredTrials(ctx context.Context, ownerID string, now time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE subscriptions
		SET status = 'blocked', updated_at = $1
		WHERE status = 'test'
		  AND (current_period_end IS NULL OR current_period_end < $1)
		  AND ($2 = '' OR owner_id = $2)
		RETURNING owner_id
	`, now, ownerID)
	if err != nil {
		return nil, fmt.Errorf("block expired trials: %w", err)
	}
	return collectOwners(rows)
}

// ListActiveBeyondGrace returns active subscriptions whose period ended before cutoff.
func (s *Store) ListActiveBeyondGrace(ctx context.Context, ownerID string, cutoff time.Time) ([]subscription.Record, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active'
		  AND (current_period_end IS NULL OR current_period_end < $1)
		  AND ($2 = '' OR owner_id = $2)
		ORDER BY current_period_end ASC NULLS FIRST
	`, cutoff, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active beyond grace: %w", err)
	}
	defer rows.Close()

	var out []subscription.Record
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BlockActiveBeyondGrace flips active subscriptions whose period ended before
// cutoff to blocked. When onlyOwners is non-nil the update is restricted to
// those owners; an empty non-nil slice blocks nothing.
func (s *Store) BlockActiveBeyondGrace(ctx context.Context, ownerID string, cutoff, now time.Time, onlyOwners []string) ([]string, error) {
	if onlyOwners != nil && len(onlyOwners) == 0 {
		return nil, nil
	}
	query := `
		UPDATE subscriptions
		SET status = 'blocked', updated_at = $1
		WHERE status = 'active'
		  AND (current_period_end IS NULL OR current_period_end < $2)
		  AND ($3 = '' OR owner_id = $3)`
	args := []any{now, cutoff, ownerID}
	if onlyOwners != nil {
		query += ` AND owner_id = ANY($4)`
		args = append(args, onlyOwners)
	}
	query += ` RETURNING owner_id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("block active beyond grace: %w", err)
	}
	return collectOwners(rows)
}

type Activation struct {
	OwnerID   string
	Plan      subscription.Plan
	Provider  string
	PaymentID string
	Now       time.Time
	Period    time.Duration
}

// ActivateSubscription applies one confirmed payment: the record becomes
// active and its period is extended from max(current end, now). A payment
// already recorded in the ledger is a no-op and reports applied=false.
func (s *Store) ActivateSubscription(ctx context.Context, act Activation) (subscription.Record, bool, error) {
	if act.OwnerID == "" || act.PaymentID == "" {
		return subscription.Record{}, false, errors.New("activation requires owner and payment ids")
	}
	if act.Period <= 0 {
		act.Period = subscription.DefaultPeriodDays * subscription.Day
	}

	var out subscription.Record
	var applied bool
	err := s.WithTx(ctx, func(tx *Store) error {
		rec, err := tx.getSubscriptionForUpdate(ctx, act.OwnerID)
		if errors.Is(err, sql.ErrNoRows) {
			plan := act.Plan
			if plan == "" {
				plan = subscription.PlanAutonomo
			}
			rec, err = scanSubscription(tx.q.QueryRowContext(ctx, `
				INSERT INTO subscriptions (id, owner_id, plan, status, current_period_end, created_at, updated_at)
				VALUES ($1, $2, $3, 'blocked', NULL, $4, $4)
				RETURNING `+subscriptionColumns,
				uuid.NewString(), act.OwnerID, string(plan), act.Now))
		}
		if err != nil {
			return err
		}

		base := act.Now
		if rec.CurrentPeriodEnd.Valid && rec.CurrentPeriodEnd.Time.After(base) {
			base = rec.CurrentPeriodEnd.Time
		}
		newEnd := base.Add(act.Period)

		res, err := tx.q.ExecContext(ctx, `
			INSERT INTO subscription_payments (provider, external_payment_id, owner_id, period_end)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, external_payment_id) DO NOTHING
		`, act.Provider, act.PaymentID, act.OwnerID, newEnd)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out = rec
			return nil
		}

		if !subscription.CanTransition(rec.Status, subscription.StatusActive) {
			return fmt.Errorf("%w: %s -> %s", subscription.ErrInvalidTransition, rec.Status, subscription.StatusActive)
		}
		plan := rec.Plan
		if act.Plan != "" {
			plan = act.Plan
		}
		out, err = scanSubscription(tx.q.QueryRowContext(ctx, `
			UPDATE subscriptions
			SET status = 'active', plan = $2, current_period_end = $3, updated_at = $4
			WHERE owner_id = $1
			RETURNING `+subscriptionColumns,
			act.OwnerID, string(plan), newEnd, act.Now))
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return out, applied, err
}

// CancelSubscription moves an active subscription to canceled.
func (s *Store) CancelSubscription(ctx context.Context, ownerID string, now time.Time) (subscription.Record, error) {
	var out subscription.Record
	err := s.WithTx(ctx, func(tx *Store) error {
		rec, err := tx.getSubscriptionForUpdate(ctx, ownerID)
		if err != nil {
			return err
		}
		if !subscription.CanTransition(rec.Status, subscription.StatusCanceled) {
			return fmt.Errorf("%w: %s -> %s", subscription.ErrInvalidTransition, rec.Status, subscription.StatusCanceled)
		}
		out, err = scanSubscription(tx.q.QueryRowContext(ctx, `
			UPDATE subscriptions SET status = 'canceled', updated_at = $2
			WHERE owner_id = $1
			RETURNING `+subscriptionColumns, ownerID, now))
		return err
	})
	return out, err
}

func (s *Store) SetExternalPreapprovalID(ctx context.Context, ownerID, preapprovalID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE subscriptions SET external_preapproval_id = $2, updated_at = now()
		WHERE owner_id = $1
	`, ownerID, nullIfEmpty(preapprovalID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) FindOwnerByPreapprovalID(ctx context.Context, preapprovalID string) (string, error) {
	var ownerID string
	err := s.q.QueryRowContext(ctx, `SELECT owner_id FROM subscriptions WHERE external_preapproval_id = $1`, preapprovalID).Scan(&ownerID)
	return ownerID, err
}

func collectOwners(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var owners []string
	for rows.Next() {
		var ownerID string
		if err := rows.Scan(&ownerID); err != nil {
			return nil, err
		}
		owners = append(owners, ownerID)
	}
	return owners, rows.Err()
}
