package whatsapp

import (
	"context"
	"errors"
	"time"
)

var ErrLinkTimeout = errors.New("whatsapp link timed out")

// Poll calls check immediately and then every interval until it reports done,
// returns an error, the timeout elapses (ErrLinkTimeout) or ctx is cancelled
// (ctx.Err()). It returns how many checks ran.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) (int, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		done, err := check(pollCtx)
		if err != nil && pollCtx.Err() == nil {
			return attempts, err
		}
		if done {
			return attempts, nil
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return attempts, ctx.Err()
			}
			return attempts, ErrLinkTimeout
		case <-ticker.C:
		}
	}
}
