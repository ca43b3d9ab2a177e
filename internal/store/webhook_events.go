package store

import (
	"context"
	"database/sql"
	"errors"
)

// InsertWebhookEventIfAbsent records a vendor event once. When the event was
// seen before it reports inserted=false together with its stored status.
func (s *Store) InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO webhook_events (provider, external_event_id, event_type, payload_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, external_event_id) DO NOTHING
		RETURNING id
	`, provider, eventID, eventType, payloadHash).Scan(&id)
	if err == nil {
		return true, "received", nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, "", err
	}

	var status string
	if err := s.q.QueryRowContext(ctx, `
		SELECT status FROM webhook_events WHERE provider = $1 AND external_event_id = $2
	`, provider, eventID).Scan(&status); err != nil {
		return false, "", err
	}
	return false, status, nil
}

func (s *Store) UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, errMsg string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $3, error = $4, processed_at = now()
		WHERE provider = $1 AND external_event_id = $2
	`, provider, eventID, status, nullIfEmpty(errMsg))
	return err
}
