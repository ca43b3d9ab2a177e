// Package billing turns Mercado Pago notifications into subscription state
// and creates checkout preferences.
package billing

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agendaclinica/internal/config"
	"agendaclinica/internal/observability"
	"agendaclinica/internal/store"
	"agendaclinica/internal/subscription"
)

const provider = "mercadopago"

// Webhook processing results reported to the observer.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultFailed    = "failed"
)

var ErrUnresolvedOwner = errors.New("unable to resolve owner for mercado pago event")

type Store interface {
	InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error)
	UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, errMsg string) error
	ActivateSubscription(ctx context.Context, act store.Activation) (subscription.Record, bool, error)
	CancelSubscription(ctx context.Context, ownerID string, now time.Time) (subscription.Record, error)
	SetExternalPreapprovalID(ctx context.Context, ownerID, preapprovalID string) error
	FindOwnerByPreapprovalID(ctx context.Context, preapprovalID string) (string, error)
}

type MercadoPagoService struct {
	Config   config.Config
	Store    Store
	Client   *Client
	Logger   zerolog.Logger
	Observer *observability.AccessObserver
	Now      func() time.Time
}

func NewMercadoPagoService(cfg config.Config, st Store, logger zerolog.Logger, observer *observability.AccessObserver) *MercadoPagoService {
	return &MercadoPagoService{
		Config:   cfg,
		Store:    st,
		Client:   NewClient(cfg.Billing.BaseURL, cfg.Billing.AccessToken),
		Logger:   logger,
		Observer: observer,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// WebhookRequest carries the parts of the HTTP notification the signature
// covers. DataID comes from the "data.id" query parameter.
type WebhookRequest struct {
	Payload   []byte
	Signature string
	RequestID string
	DataID    string
}

// ProcessWebhook verifies, records and applies one notification. A replay of
// an event already processed is a no-op, and a failed event may be retried.
func (s *MercadoPagoService) ProcessWebhook(ctx context.Context, req WebhookRequest) (string, error) {
	if s == nil || s.Store == nil {
		return ResultFailed, errors.New("mercado pago service not configured")
	}

	n, err := parseNotification(req.Payload)
	if err != nil {
		s.Observer.RecordWebhook("invalid", ResultFailed, err)
		return ResultFailed, err
	}
	dataID := req.DataID
	if dataID == "" {
		dataID = n.DataID
	}
	if err := verifySignature(s.Config.Billing.WebhookSecret, req.Signature, req.RequestID, dataID, s.Now()); err != nil {
		s.Observer.RecordWebhook(n.Type, ResultFailed, err)
		return ResultFailed, err
	}

	eventID := n.EventID()
	inserted, existingStatus, err := s.Store.InsertWebhookEventIfAbsent(ctx, provider, eventID, n.Type, sha256Hex(req.Payload))
	if err != nil {
		return ResultFailed, err
	}
	if !inserted && existingStatus == "processed" {
		s.Observer.RecordWebhook(n.Type, ResultDuplicate, nil)
		return ResultDuplicate, nil
	}

	result, err := s.applyNotification(ctx, n)
	if err != nil {
		_ = s.Store.UpdateWebhookEventStatus(ctx, provider, eventID, "failed", err.Error())
		s.Observer.RecordWebhook(n.Type, ResultFailed, err)
		return ResultFailed, err
	}
	if err := s.Store.UpdateWebhookEventStatus(ctx, provider, eventID, "processed", ""); err != nil {
		return ResultFailed, err
	}
	s.Observer.RecordWebhook(n.Type, result, nil)
	return result, nil
}

func (s *MercadoPagoService) applyNotification(ctx context.Context, n Notification) (string, error) {
	switch n.Type {
	case "payment":
		payment, err := s.Client.GetPayment(ctx, n.DataID)
		if err != nil {
			return "", fmt.Errorf("fetch payment %s: %w", n.DataID, err)
		}
		return s.applyPayment(ctx, payment)
	case "subscription_preapproval", "preapproval":
		pre, err := s.Client.GetPreapproval(ctx, n.DataID)
		if err != nil {
			return "", fmt.Errorf("fetch preapproval %s: %w", n.DataID, err)
		}
		return s.applyPreapproval(ctx, pre)
	case "subscription_authorized_payment":
		ap, err := s.Client.GetAuthorizedPayment(ctx, n.DataID)
		if err != nil {
			return "", fmt.Errorf("fetch authorized payment %s: %w", n.DataID, err)
		}
		if ap.Payment.Status != "approved" || ap.Payment.ID == 0 {
			return ResultIgnored, nil
		}
		ownerID, err := s.resolveOwner(ctx, "", ap.PreapprovalID)
		if err != nil {
			return "", err
		}
		return s.activate(ctx, ownerID, "", strconv.FormatInt(ap.Payment.ID, 10))
	default:
		return ResultIgnored, nil
	}
}

func (s *MercadoPagoService) applyPayment(ctx context.Context, payment Payment) (string, error) {
	if payment.Status != "approved" {
		s.Logger.Info().Int64("payment_id", payment.ID).Str("status", payment.Status).Msg("payment not approved yet")
		return ResultIgnored, nil
	}
	ownerID, err := s.resolveOwner(ctx, payment.ExternalReference, metadataString(payment.Metadata, "preapproval_id"))
	if err != nil {
		return "", err
	}
	plan, _ := subscription.ParsePlan(metadataString(payment.Metadata, "plan"))
	return s.activate(ctx, ownerID, plan, strconv.FormatInt(payment.ID, 10))
}

func (s *MercadoPagoService) activate(ctx context.Context, ownerID string, plan subscription.Plan, paymentID string) (string, error) {
	periodDays := s.Config.Subscription.PeriodDays
	if periodDays <= 0 {
		periodDays = subscription.DefaultPeriodDays
	}
	rec, applied, err := s.Store.ActivateSubscription(ctx, store.Activation{
		OwnerID:   ownerID,
		Plan:      plan,
		Provider:  provider,
		PaymentID: paymentID,
		Now:       s.Now(),
		Period:    time.Duration(periodDays) * subscription.Day,
	})
	if errors.Is(err, subscription.ErrInvalidTransition) {
		// Retrying cannot change the outcome; settle the event so the vendor stops redelivering.
		s.Logger.Warn().
			Err(err).
			Str("owner_id", ownerID).
			Str("payment_id", paymentID).
			Msg("approved payment for a subscription that cannot be activated")
		return ResultIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("activate subscription: %w", err)
	}
	if !applied {
		return ResultDuplicate, nil
	}
	s.Logger.Info().
		Str("owner_id", ownerID).
		Str("payment_id", paymentID).
		Str("plan", string(rec.Plan)).
		Time("period_end", rec.CurrentPeriodEnd.Time).
		Msg("subscription activated")
	return ResultProcessed, nil
}

func (s *MercadoPagoService) applyPreapproval(ctx context.Context, pre Preapproval) (string, error) {
	ownerID, err := s.resolveOwner(ctx, pre.ExternalReference, pre.ID)
	if err != nil {
		return "", err
	}
	switch pre.Status {
	case "authorized":
		if err := s.Store.SetExternalPreapprovalID(ctx, ownerID, pre.ID); err != nil {
			return "", err
		}
		return ResultProcessed, nil
	case "cancelled":
		_, err := s.Store.CancelSubscription(ctx, ownerID, s.Now())
		if errors.Is(err, subscription.ErrInvalidTransition) || errors.Is(err, sql.ErrNoRows) {
			s.Logger.Info().Str("owner_id", ownerID).Str("preapproval_id", pre.ID).Msg("preapproval cancelled, subscription not active")
			return ResultIgnored, nil
		}
		if err != nil {
			return "", err
		}
		return ResultProcessed, nil
	default:
		return ResultIgnored, nil
	}
}

func (s *MercadoPagoService) resolveOwner(ctx context.Context, externalReference, preapprovalID string) (string, error) {
	if ownerID := strings.TrimSpace(externalReference); ownerID != "" {
		return ownerID, nil
	}
	if preapprovalID != "" {
		ownerID, err := s.Store.FindOwnerByPreapprovalID(ctx, preapprovalID)
		if err == nil {
			return ownerID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	return "", ErrUnresolvedOwner
}

// PreapprovalStatus lets the sweeper confirm a recurring charge is still
// authorized before blocking.
func (s *MercadoPagoService) PreapprovalStatus(ctx context.Context, preapprovalID string) (string, error) {
	pre, err := s.Client.GetPreapproval(ctx, preapprovalID)
	if err != nil {
		return "", err
	}
	return pre.Status, nil
}

func metadataString(metadata map[string]any, key string) string {
	if v, ok := metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
