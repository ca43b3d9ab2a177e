package store

import (
	"context"
	"database/sql"
	"time"
)

type WhatsAppInstance struct {
	OwnerID      string
	InstanceName string
	Status       string // "disconnected", "connecting", "connected"
	PhoneNumber  sql.NullString
	ConnectedAt  sql.NullTime
	UpdatedAt    time.Time
}

func (s *Store) GetWhatsAppInstance(ctx context.Context, ownerID string) (WhatsAppInstance, error) {
	var inst WhatsAppInstance
	err := s.q.QueryRowContext(ctx, `
		SELECT owner_id, instance_name, status, phone_number, connected_at, updated_at
		FROM whatsapp_instances
		WHERE owner_id = $1
	`, ownerID).Scan(&inst.OwnerID, &inst.InstanceName, &inst.Status, &inst.PhoneNumber, &inst.ConnectedAt, &inst.UpdatedAt)
	return inst, err
}

// UpsertWhatsAppInstance stores the instance for an owner. connected_at is
// stamped the first time the status becomes connected and cleared on disconnect.
func (s *Store) UpsertWhatsAppInstance(ctx context.Context, ownerID, instanceName, status, phone string, now time.Time) (WhatsAppInstance, error) {
	var inst WhatsAppInstance
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO whatsapp_instances (owner_id, instance_name, status, phone_number, connected_at, updated_at)
		VALUES ($1, $2, $3, $4, CASE WHEN $3 = 'connected' THEN $5::timestamptz END, $5)
		ON CONFLICT (owner_id) DO UPDATE SET
			instance_name = EXCLUDED.instance_name,
			status = EXCLUDED.status,
			phone_number = COALESCE(EXCLUDED.phone_number, whatsapp_instances.phone_number),
			connected_at = CASE
				WHEN EXCLUDED.status = 'connected' THEN COALESCE(whatsapp_instances.connected_at, EXCLUDED.updated_at)
				WHEN EXCLUDED.status = 'disconnected' THEN NULL
				ELSE whatsapp_instances.connected_at
			END,
			updated_at = EXCLUDED.updated_at
		RETURNING owner_id, instance_name, status, phone_number, connected_at, updated_at
	`, ownerID, instanceName, status, nullIfEmpty(phone), now).Scan(&inst.OwnerID, &inst.InstanceName, &inst.Status, &inst.PhoneNumber, &inst.ConnectedAt, &inst.UpdatedAt)
	return inst, err
}
