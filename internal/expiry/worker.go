package expiry

import (
	"context"
	"errors"
	"time"

	"agendaclinica/internal/queue"
)

type JobSource interface {
	PopSweepJob(ctx context.Context, timeout time.Duration) (string, error)
}

// Worker drains the sweep queue until its context is cancelled.
type Worker struct {
	Service     *Service
	Source      JobSource
	PollTimeout time.Duration
	Backoff     time.Duration
}

func (w *Worker) Run(ctx context.Context) error {
	pollTimeout := w.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	backoff := w.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	logger := w.Service.Logger

	logger.Info().Msg("sweep worker started")
	for {
		if ctx.Err() != nil {
			logger.Info().Msg("sweep worker stopped")
			return nil
		}
		ownerID, err := w.Source.PopSweepJob(ctx, pollTimeout)
		switch {
		case err == nil:
		case queue.IsEmpty(err):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			continue
		default:
			logger.Error().Err(err).Msg("pop sweep job")
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}

		report, err := w.Service.Sweep(ctx, ownerID)
		if err != nil {
			logger.Error().Err(err).Str("owner_id", ownerID).Msg("queued sweep failed")
			continue
		}
		logger.Debug().Str("owner_id", ownerID).Int("updated", report.Updated()).Msg("queued sweep done")
	}
}
