package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrProfessionalLimitReached = errors.New("professional limit reached for plan")

func (s *Store) CountActiveProfessionals(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM professionals WHERE owner_id = $1 AND active`, ownerID).Scan(&count)
	return count, err
}

func (s *Store) CreateProfessional(ctx context.Context, ownerID, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO professionals (id, owner_id, name) VALUES ($1, $2, $3)
	`, id, ownerID, strings.TrimSpace(name))
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddProfessionalWithinPlan inserts a professional only while the owner's
// plan has room. The subscription row is locked so concurrent adds cannot
// overshoot the ceiling.
func (s *Store) AddProfessionalWithinPlan(ctx context.Context, ownerID, name string) (string, error) {
	var id string
	err := s.WithTx(ctx, func(tx *Store) error {
		rec, err := tx.getSubscriptionForUpdate(ctx, ownerID)
		if err != nil {
			return err
		}
		count, err := tx.CountActiveProfessionals(ctx, ownerID)
		if err != nil {
			return err
		}
		if count >= rec.Plan.MaxProfessionals() {
			return ErrProfessionalLimitReached
		}
		id, err = tx.CreateProfessional(ctx, ownerID, name)
		return err
	})
	return id, err
}
