// Package whatsapp links a clinic's WhatsApp number through Evolution API.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"agendaclinica/internal/config"
	"agendaclinica/internal/entitlements"
	"agendaclinica/internal/observability"
	"agendaclinica/internal/store"
)

const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
)

const connectTimeout = 20 * time.Second

var ErrNotLinked = errors.New("whatsapp instance not created")

type Store interface {
	GetWhatsAppInstance(ctx context.Context, ownerID string) (store.WhatsAppInstance, error)
	UpsertWhatsAppInstance(ctx context.Context, ownerID, instanceName, status, phone string, now time.Time) (store.WhatsAppInstance, error)
}

type Limiter interface {
	Allow(key string, rpm int) (bool, int)
}

type Service struct {
	Config   config.Config
	Client   *EvolutionClient
	Store    Store
	Limiter  Limiter
	Logger   zerolog.Logger
	Observer *observability.AccessObserver
	Now      func() time.Time

	connects singleflight.Group
}

func NewService(cfg config.Config, st Store, logger zerolog.Logger, observer *observability.AccessObserver) *Service {
	return &Service{
		Config:   cfg,
		Client:   NewEvolutionClient(cfg.WhatsApp.EvolutionURL, cfg.WhatsApp.EvolutionAPIKey),
		Store:    st,
		Limiter:  entitlements.NewRateLimiter(),
		Logger:   logger,
		Observer: observer,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

type ConnectResult struct {
	InstanceName string `json:"instanceName"`
	Status       string `json:"status"`
	QRCode       string `json:"qrCode,omitempty"`
	PairingCode  string `json:"pairingCode,omitempty"`
}

type LinkResult struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	TimedOut  bool   `json:"timedOut"`
}

// InstanceName is the deterministic Evolution instance for an owner.
func (s *Service) InstanceName(ownerID string) string {
	prefix := s.Config.WhatsApp.InstancePrefix
	if prefix == "" {
		prefix = "clinic"
	}
	return prefix + "_" + strings.ReplaceAll(strings.ToLower(ownerID), "-", "")
}

// Connect makes sure the owner's instance exists and returns a QR code to
// scan. Concurrent calls for one owner share a single vendor round trip.
func (s *Service) Connect(ctx context.Context, ownerID string) (ConnectResult, error) {
	if s.Limiter != nil {
		if ok, retryAfter := s.Limiter.Allow(ownerID, s.Config.WhatsApp.ConnectRPM); !ok {
			s.Observer.RecordLink(ownerID, "rate_limited", 0)
			return ConnectResult{}, &entitlements.RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	// The shared call outlives any single caller; each caller still stops
	// waiting when its own context ends.
	flight := context.WithoutCancel(ctx)
	ch := s.connects.DoChan(ownerID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(flight, connectTimeout)
		defer cancel()
		return s.connect(runCtx, ownerID)
	})
	select {
	case <-ctx.Done():
		return ConnectResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			s.Observer.RecordLink(ownerID, "connect_failed", 0)
			return ConnectResult{}, res.Err
		}
		return res.Val.(ConnectResult), nil
	}
}

func (s *Service) connect(ctx context.Context, ownerID string) (ConnectResult, error) {
	name := s.InstanceName(ownerID)
	result := ConnectResult{InstanceName: name}

	qr, err := s.Client.CreateInstance(ctx, name)
	switch {
	case err == nil:
	case isAlreadyExists(err):
		state, err := s.Client.ConnectionState(ctx, name)
		if err != nil {
			return result, err
		}
		if mapState(state) == StatusConnected {
			if _, err := s.Store.UpsertWhatsAppInstance(ctx, ownerID, name, StatusConnected, "", s.Now()); err != nil {
				return result, err
			}
			result.Status = StatusConnected
			return result, nil
		}
		if qr, err = s.Client.Connect(ctx, name); err != nil {
			return result, err
		}
	default:
		return result, err
	}

	if _, err := s.Store.UpsertWhatsAppInstance(ctx, ownerID, name, StatusConnecting, "", s.Now()); err != nil {
		return result, err
	}
	result.Status = StatusConnecting
	result.QRCode = qr.Base64
	result.PairingCode = qr.PairingCode
	s.Logger.Info().Str("owner_id", ownerID).Str("instance", name).Msg("whatsapp qr issued")
	return result, nil
}

// RefreshStatus reads the vendor connection state and persists it.
func (s *Service) RefreshStatus(ctx context.Context, ownerID string) (store.WhatsAppInstance, error) {
	inst, err := s.Store.GetWhatsAppInstance(ctx, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, ErrNotLinked
	}
	if err != nil {
		return inst, err
	}
	state, err := s.Client.ConnectionState(ctx, inst.InstanceName)
	if err != nil {
		return inst, err
	}
	status := mapState(state)
	if status == inst.Status {
		return inst, nil
	}
	return s.Store.UpsertWhatsAppInstance(ctx, ownerID, inst.InstanceName, status, "", s.Now())
}

// WaitForConnection polls the vendor until the number is linked, the link
// timeout elapses or ctx is cancelled. A timeout is reported in the result,
// not as an error.
func (s *Service) WaitForConnection(ctx context.Context, ownerID string) (LinkResult, error) {
	interval := s.Config.WhatsApp.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	timeout := s.Config.WhatsApp.LinkTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var result LinkResult
	attempts, err := Poll(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		inst, err := s.RefreshStatus(ctx, ownerID)
		if errors.Is(err, ErrNotLinked) {
			return false, err
		}
		if err != nil {
			s.Logger.Warn().Err(err).Str("owner_id", ownerID).Msg("whatsapp status poll failed")
			return false, nil
		}
		result.Status = inst.Status
		return inst.Status == StatusConnected, nil
	})
	result.Attempts = attempts
	switch {
	case err == nil:
		result.Connected = true
		s.Observer.RecordLink(ownerID, "connected", attempts)
		return result, nil
	case errors.Is(err, ErrLinkTimeout):
		result.TimedOut = true
		s.Observer.RecordLink(ownerID, "timeout", attempts)
		return result, nil
	default:
		s.Observer.RecordLink(ownerID, "aborted", attempts)
		return result, err
	}
}

func (s *Service) Disconnect(ctx context.Context, ownerID string) (store.WhatsAppInstance, error) {
	inst, err := s.Store.GetWhatsAppInstance(ctx, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, ErrNotLinked
	}
	if err != nil {
		return inst, err
	}
	if err := s.Client.Logout(ctx, inst.InstanceName); err != nil && !isNotFound(err) {
		return inst, err
	}
	s.Observer.RecordLink(ownerID, "disconnected", 0)
	return s.Store.UpsertWhatsAppInstance(ctx, ownerID, inst.InstanceName, StatusDisconnected, "", s.Now())
}

func mapState(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open":
		return StatusConnected
	case "connecting":
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

func isAlreadyExists(err error) bool {
	var evoErr *EvolutionError
	if !errors.As(err, &evoErr) {
		return false
	}
	return evoErr.StatusCode == http.StatusConflict ||
		(evoErr.StatusCode == http.StatusForbidden && strings.Contains(evoErr.Body, "already in use"))
}

func isNotFound(err error) bool {
	var evoErr *EvolutionError
	return errors.As(err, &evoErr) && evoErr.StatusCode == http.StatusNotFound
}
