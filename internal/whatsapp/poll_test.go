package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollStopsWhenDone(t *testing.T) {
	calls := 0
	attempts, err := Poll(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("expected 3 attempts without error, got %d %v", attempts, err)
	}
}

func TestPollChecksImmediately(t *testing.T) {
	start := time.Now()
	attempts, err := Poll(context.Background(), time.Hour, time.Second, func(context.Context) (bool, error) {
		return true, nil
	})
	if err != nil || attempts != 1 || time.Since(start) > 100*time.Millisecond {
		t.Fatalf("expected an immediate first check, got %d %v", attempts, err)
	}
}

func TestPollTimeout(t *testing.T) {
	_, err := Poll(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrLinkTimeout) {
		t.Fatalf("expected ErrLinkTimeout, got %v", err)
	}
}

func TestPollPropagatesCheckError(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Poll(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) || attempts != 1 {
		t.Fatalf("expected boom after one attempt, got %d %v", attempts, err)
	}
}

func TestPollParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Poll(ctx, 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
