package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"agendaclinica/internal/api"
	"agendaclinica/internal/auth"
	"agendaclinica/internal/billing"
	"agendaclinica/internal/config"
	"agendaclinica/internal/entitlements"
	"agendaclinica/internal/expiry"
	"agendaclinica/internal/observability"
	"agendaclinica/internal/queue"
	"agendaclinica/internal/store"
	"agendaclinica/internal/subscription"
	"agendaclinica/internal/whatsapp"
)

type sweepTrigger interface {
	entitlements.SweepTrigger
	Wait()
}

type App struct {
	Config   config.Config
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
	Observer *observability.AccessObserver
	Store    *store.Store
	Queue    *queue.Queue

	Auth     *auth.Service
	Expiry   *expiry.Service
	Gate     *entitlements.Service
	Billing  *billing.MercadoPagoService
	WhatsApp *whatsapp.Service

	trigger sweepTrigger
}

func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, st.DB()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var q *queue.Queue
	if cfg.Redis.URL != "" {
		q, err = queue.New(cfg.Redis.URL)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	metrics := observability.NewMetrics()
	observer := observability.NewAccessObserver(logger, metrics)

	billingSvc := billing.NewMercadoPagoService(cfg, st, logger, observer)

	sweeper := expiry.NewService(expiry.FromStore(st), logger, observer)
	sweeper.Grace = time.Duration(cfg.Subscription.GraceDays) * subscription.Day
	if cfg.Billing.VerifyBeforeBlock {
		sweeper.Checker = billingSvc
		sweeper.VerifyBeforeBlock = true
	}

	var trigger sweepTrigger
	if q != nil && cfg.Subscription.SweepQueue {
		trigger = &expiry.QueueTrigger{
			Queue:    q,
			Window:   cfg.Subscription.SweepWindow,
			Logger:   logger,
			Observer: observer,
		}
	} else {
		trigger = &expiry.InlineTrigger{Service: sweeper}
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Observer: observer,
		Store:    st,
		Queue:    q,
		Auth:     auth.NewService(cfg),
		Expiry:   sweeper,
		Gate:     entitlements.NewService(cfg, st, trigger, observer, logger),
		Billing:  billingSvc,
		WhatsApp: whatsapp.NewService(cfg, st, logger, observer),
		trigger:  trigger,
	}, nil
}

// Close waits for in-flight triggered sweeps before releasing connections.
func (a *App) Close() error {
	if a.trigger != nil {
		a.trigger.Wait()
	}
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	return err
}

func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)

	h := api.NewHandler(a.Config, a.Auth, a.Gate, a.Expiry, a.Billing, a.WhatsApp, a.Logger)
	h.RegisterRoutes(r)

	return api.Recover(a.Logger)(api.RequestID(api.CORS(a.Config.HTTP.AllowOrigins)(r)))
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if a.Queue != nil {
		if err := a.Queue.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Serve blocks until ctx is cancelled, then drains in-flight requests.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		// The WhatsApp wait route holds a request open for the whole link timeout.
		WriteTimeout: a.Config.WhatsApp.LinkTimeout + 15*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("agendad listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.Logger.Info().Msg("agendad stopped")
	return nil
}

// RunWorker consumes scoped sweep jobs pushed by the queue trigger.
func (a *App) RunWorker(ctx context.Context) error {
	if a.Queue == nil {
		return errors.New("worker needs redis.url (or AC_REDIS_URL)")
	}
	w := &expiry.Worker{Service: a.Expiry, Source: a.Queue}
	return w.Run(ctx)
}

// RunSweep runs one sweep, for system cron. An empty ownerID sweeps everyone.
func (a *App) RunSweep(ctx context.Context, ownerID string) (expiry.Report, error) {
	return a.Expiry.Sweep(ctx, ownerID)
}

// Migrate applies the schema without wiring the rest of the app.
func Migrate(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	return store.Migrate(ctx, st.DB())
}
