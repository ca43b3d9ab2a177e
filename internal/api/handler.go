// Package api exposes the subscription, billing and WhatsApp endpoints.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"agendaclinica/internal/auth"
	"agendaclinica/internal/billing"
	"agendaclinica/internal/config"
	"agendaclinica/internal/entitlements"
	"agendaclinica/internal/expiry"
	"agendaclinica/internal/store"
	"agendaclinica/internal/subscription"
	"agendaclinica/internal/whatsapp"
)

const maxWebhookBody = 1 << 20

type Sweeper interface {
	Sweep(ctx context.Context, ownerID string) (expiry.Report, error)
}

type Billing interface {
	ProcessWebhook(ctx context.Context, req billing.WebhookRequest) (string, error)
	CreateCheckout(ctx context.Context, ownerID, email string, plan subscription.Plan) (*billing.CheckoutResult, error)
}

type WhatsApp interface {
	Connect(ctx context.Context, ownerID string) (whatsapp.ConnectResult, error)
	RefreshStatus(ctx context.Context, ownerID string) (store.WhatsAppInstance, error)
	WaitForConnection(ctx context.Context, ownerID string) (whatsapp.LinkResult, error)
	Disconnect(ctx context.Context, ownerID string) (store.WhatsAppInstance, error)
}

type Handler struct {
	Config   config.Config
	Auth     *auth.Service
	Gate     *entitlements.Service
	Sweeper  Sweeper
	Billing  Billing
	WhatsApp WhatsApp
	Logger   zerolog.Logger
}

func NewHandler(cfg config.Config, authSvc *auth.Service, gate *entitlements.Service, sweeper Sweeper, billingSvc Billing, wa WhatsApp, logger zerolog.Logger) *Handler {
	return &Handler{
		Config:   cfg,
		Auth:     authSvc,
		Gate:     gate,
		Sweeper:  sweeper,
		Billing:  billingSvc,
		WhatsApp: wa,
		Logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/subscriptions/sweep", h.handleSweep).Methods(http.MethodPost)
	r.HandleFunc("/v1/billing/webhook/mercadopago", h.handleMercadoPagoWebhook).Methods(http.MethodPost)

	user := r.PathPrefix("/v1").Subrouter()
	user.Use(h.requireUser)
	user.HandleFunc("/access", h.handleAccess).Methods(http.MethodGet, http.MethodPost)
	user.HandleFunc("/subscriptions/trial", h.handleStartTrial).Methods(http.MethodPost)
	user.HandleFunc("/subscriptions/cancel", h.handleCancel).Methods(http.MethodPost)
	user.HandleFunc("/subscriptions/current", h.handleCurrentSubscription).Methods(http.MethodGet)
	user.HandleFunc("/billing/checkout", h.handleCheckout).Methods(http.MethodPost)
	user.Handle("/professionals", h.Gate.RequireAccess(http.HandlerFunc(h.handleAddProfessional))).Methods(http.MethodPost)

	gated := user.PathPrefix("/whatsapp").Subrouter()
	gated.Use(h.Gate.RequireAccess)
	gated.HandleFunc("/connect", h.handleWhatsAppConnect).Methods(http.MethodPost)
	gated.HandleFunc("/status", h.handleWhatsAppStatus).Methods(http.MethodGet)
	gated.HandleFunc("/wait", h.handleWhatsAppWait).Methods(http.MethodPost)
	gated.HandleFunc("/disconnect", h.handleWhatsAppDisconnect).Methods(http.MethodPost)
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Auth == nil {
			writeError(w, http.StatusInternalServerError, "auth not configured")
			return
		}
		principal, err := h.Auth.AuthenticateRequest(r)
		if errors.Is(err, auth.ErrForbidden) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	decision := h.Gate.CheckAccess(r.Context(), principal.OwnerID)
	writeJSON(w, http.StatusOK, decision)
}

type sweepResponse struct {
	Updated int           `json:"updated"`
	Details expiry.Report `json:"details"`
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.Auth == nil || h.Auth.VerifyCronSecret(r) != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		OwnerID string `json:"ownerId"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	report, err := h.Sweeper.Sweep(r.Context(), strings.TrimSpace(req.OwnerID))
	if err != nil {
		h.Logger.Error().Err(err).Str("owner_id", req.OwnerID).Msg("sweep endpoint failed")
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Updated: report.Updated(), Details: report})
}

func (h *Handler) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req struct {
		Plan string `json:"plan"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	plan := subscription.PlanAutonomo
	if strings.TrimSpace(req.Plan) != "" {
		parsed, err := subscription.ParsePlan(req.Plan)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		plan = parsed
	}

	rec, err := h.Gate.StartTrial(r.Context(), principal.OwnerID, plan)
	switch {
	case errors.Is(err, store.ErrSubscriptionExists):
		writeError(w, http.StatusConflict, "subscription already exists")
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("owner_id", principal.OwnerID).Msg("start trial")
		writeError(w, http.StatusInternalServerError, "could not start trial")
		return
	}
	writeJSON(w, http.StatusCreated, h.subscriptionView(rec, 0))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	rec, err := h.Gate.Cancel(r.Context(), principal.OwnerID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	case errors.Is(err, subscription.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "subscription cannot be canceled in its current status")
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("owner_id", principal.OwnerID).Msg("cancel subscription")
		writeError(w, http.StatusInternalServerError, "could not cancel subscription")
		return
	}
	writeJSON(w, http.StatusOK, h.subscriptionView(rec, 0))
}

func (h *Handler) handleCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	decision := h.Gate.Describe(r.Context(), principal.OwnerID)
	switch {
	case decision.AccessStatus == entitlements.AccessError:
		writeError(w, http.StatusServiceUnavailable, "could not load subscription")
		return
	case decision.Subscription == nil:
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	usage, err := h.Gate.EnforceProfessionalLimit(r.Context(), principal.OwnerID)
	if err != nil && !errors.Is(err, entitlements.ErrProfessionalLimitReached) {
		h.Logger.Error().Err(err).Str("owner_id", principal.OwnerID).Msg("load professional usage")
		writeError(w, http.StatusInternalServerError, "could not load subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription":       h.subscriptionView(*decision.Subscription, usage.UsedProfessionals),
		"access":             decision,
		"canAddProfessional": err == nil,
	})
}

func (h *Handler) handleAddProfessional(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.Gate.AddProfessional(r.Context(), principal.OwnerID, req.Name)
	switch {
	case errors.Is(err, entitlements.ErrProfessionalNameRequired):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, entitlements.ErrProfessionalLimitReached):
		writeError(w, http.StatusConflict, "professional limit reached for plan")
		return
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("owner_id", principal.OwnerID).Msg("add professional")
		writeError(w, http.StatusInternalServerError, "could not add professional")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type subscriptionView struct {
	OwnerID           string                      `json:"ownerId"`
	Plan              subscription.Plan           `json:"plan"`
	Status            subscription.Status         `json:"status"`
	CurrentPeriodEnd  *time.Time                  `json:"currentPeriodEnd,omitempty"`
	Classification    subscription.Classification `json:"classification"`
	Message           string                      `json:"message"`
	MaxProfessionals  int                         `json:"maxProfessionals"`
	UsedProfessionals int                         `json:"usedProfessionals"`
}

func (h *Handler) subscriptionView(rec subscription.Record, usedProfessionals int) subscriptionView {
	now := time.Now().UTC()
	if h.Gate != nil && h.Gate.Now != nil {
		now = h.Gate.Now()
	}
	grace := time.Duration(h.Config.Subscription.GraceDays) * subscription.Day
	c := subscription.ClassifyWithGrace(&rec, now, grace)
	view := subscriptionView{
		OwnerID:           rec.OwnerID,
		Plan:              rec.Plan,
		Status:            rec.Status,
		Classification:    c,
		Message:           subscription.FormatMessage(&rec, c),
		MaxProfessionals:  rec.Plan.MaxProfessionals(),
		UsedProfessionals: usedProfessionals,
	}
	if rec.CurrentPeriodEnd.Valid {
		end := rec.CurrentPeriodEnd.Time
		view.CurrentPeriodEnd = &end
	}
	return view
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if h.Billing == nil {
		writeError(w, http.StatusInternalServerError, "billing not configured")
		return
	}
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	plan, err := subscription.ParsePlan(req.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Billing.CreateCheckout(r.Context(), principal.OwnerID, principal.Email, plan)
	if err != nil {
		h.Logger.Error().Err(err).Str("owner_id", principal.OwnerID).Msg("create checkout")
		writeError(w, http.StatusBadGateway, "could not create checkout")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleMercadoPagoWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Billing == nil {
		writeError(w, http.StatusInternalServerError, "billing not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}
	result, err := h.Billing.ProcessWebhook(r.Context(), billing.WebhookRequest{
		Payload:   payload,
		Signature: r.Header.Get("x-signature"),
		RequestID: r.Header.Get("x-request-id"),
		DataID:    r.URL.Query().Get("data.id"),
	})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, billing.ErrInvalidNotification):
			writeError(w, http.StatusBadRequest, "invalid notification")
		default:
			// 5xx makes Mercado Pago redeliver; the ledger lets the retry through.
			h.Logger.Error().Err(err).Msg("mercado pago webhook failed")
			writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": result})
}

func (h *Handler) handleWhatsAppConnect(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	res, err := h.WhatsApp.Connect(r.Context(), principal.OwnerID)
	var rateErr *entitlements.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "too many connection attempts")
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("owner_id", principal.OwnerID).Msg("whatsapp connect")
		writeError(w, http.StatusBadGateway, "could not start whatsapp connection")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleWhatsAppStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	inst, err := h.WhatsApp.RefreshStatus(r.Context(), principal.OwnerID)
	if !h.writeWhatsAppError(w, principal.OwnerID, err) {
		writeJSON(w, http.StatusOK, instanceView(inst))
	}
}

func (h *Handler) handleWhatsAppWait(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	res, err := h.WhatsApp.WaitForConnection(r.Context(), principal.OwnerID)
	if !h.writeWhatsAppError(w, principal.OwnerID, err) {
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) handleWhatsAppDisconnect(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	inst, err := h.WhatsApp.Disconnect(r.Context(), principal.OwnerID)
	if !h.writeWhatsAppError(w, principal.OwnerID, err) {
		writeJSON(w, http.StatusOK, instanceView(inst))
	}
}

// writeWhatsAppError reports whether it wrote an error response.
func (h *Handler) writeWhatsAppError(w http.ResponseWriter, ownerID string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, whatsapp.ErrNotLinked):
		writeError(w, http.StatusNotFound, "whatsapp not connected yet")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		h.Logger.Error().Err(err).Str("owner_id", ownerID).Msg("whatsapp request failed")
		writeError(w, http.StatusBadGateway, "whatsapp provider error")
	}
	return true
}

func instanceView(inst store.WhatsAppInstance) map[string]any {
	out := map[string]any{
		"instanceName": inst.InstanceName,
		"status":       inst.Status,
	}
	if inst.PhoneNumber.Valid {
		out["phoneNumber"] = inst.PhoneNumber.String
	}
	if inst.ConnectedAt.Valid {
		out["connectedAt"] = inst.ConnectedAt.Time
	}
	return out
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
