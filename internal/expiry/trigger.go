package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agendaclinica/internal/observability"
)

const defaultTriggerTimeout = 10 * time.Second

// InlineTrigger runs a scoped sweep in a goroutine detached from the caller's
// cancellation, so the request that noticed the expiry is never delayed.
type InlineTrigger struct {
	Service *Service
	Timeout time.Duration

	wg sync.WaitGroup
}

func (t *InlineTrigger) TriggerSweep(ctx context.Context, ownerID string) {
	if t == nil || t.Service == nil || ownerID == "" {
		return
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	detached := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		runCtx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()
		if _, err := t.Service.Sweep(runCtx, ownerID); err != nil {
			t.Service.Logger.Error().Err(err).Str("owner_id", ownerID).Msg("scoped sweep failed")
		}
	}()
}

// Wait blocks until every triggered sweep finished.
func (t *InlineTrigger) Wait() {
	t.wg.Wait()
}

type Enqueuer interface {
	PushSweepJob(ctx context.Context, ownerID string, window time.Duration) (bool, error)
}

// QueueTrigger hands scoped sweeps to the worker through the job queue.
// Repeated triggers for one owner inside Window collapse into a single job.
type QueueTrigger struct {
	Queue    Enqueuer
	Window   time.Duration
	Timeout  time.Duration
	Logger   zerolog.Logger
	Observer *observability.AccessObserver

	wg sync.WaitGroup
}

func (t *QueueTrigger) TriggerSweep(ctx context.Context, ownerID string) {
	if t == nil || t.Queue == nil || ownerID == "" {
		return
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	detached := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		runCtx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()
		queued, err := t.Queue.PushSweepJob(runCtx, ownerID, t.Window)
		t.Observer.RecordEnqueue(ownerID, queued, err)
	}()
}

func (t *QueueTrigger) Wait() {
	t.wg.Wait()
}
