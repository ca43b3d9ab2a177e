package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestPushSweepJobDeduplicatesWithinWindow(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	pushed, err := q.PushSweepJob(ctx, "owner-1", time.Minute)
	if err != nil || !pushed {
		t.Fatalf("first push: pushed=%v err=%v", pushed, err)
	}
	pushed, err = q.PushSweepJob(ctx, "owner-1", time.Minute)
	if err != nil || pushed {
		t.Fatalf("second push inside window: pushed=%v err=%v", pushed, err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	mr.FastForward(2 * time.Minute)
	pushed, err = q.PushSweepJob(ctx, "owner-1", time.Minute)
	if err != nil || !pushed {
		t.Fatalf("push after window: pushed=%v err=%v", pushed, err)
	}
	if depth, _ := q.Depth(ctx); depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}
}

func TestPopSweepJobOrderAndGlobal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, owner := range []string{"owner-a", "", "owner-b"} {
		if _, err := q.PushSweepJob(ctx, owner, 0); err != nil {
			t.Fatalf("push %q: %v", owner, err)
		}
	}

	want := []string{"owner-a", "", "owner-b"}
	for _, expected := range want {
		got, err := q.PopSweepJob(ctx, time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if got != expected {
			t.Fatalf("expected %q, got %q", expected, got)
		}
	}
}

func TestPopSweepJobEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.PopSweepJob(context.Background(), 50*time.Millisecond)
	if !IsEmpty(err) {
		t.Fatalf("expected empty queue signal, got %v", err)
	}
}
