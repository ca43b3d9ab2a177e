package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sweepJobsKey    = "sweep_jobs"
	sweepDedupeKey  = "sweep_jobs:pending:"
	globalSweepName = "*"
)

// Queue carries scoped sweep jobs between the HTTP process and the worker.
type Queue struct {
	client *redis.Client
}

func New(url string) (*Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	return &Queue{client: client}, nil
}

func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// PushSweepJob enqueues a sweep for ownerID unless one was already queued
// within window. An empty ownerID means a global sweep. It reports whether a
// job was actually pushed.
func (q *Queue) PushSweepJob(ctx context.Context, ownerID string, window time.Duration) (bool, error) {
	member := ownerID
	if member == "" {
		member = globalSweepName
	}
	if window > 0 {
		ok, err := q.client.SetNX(ctx, sweepDedupeKey+member, "1", window).Result()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if err := q.client.LPush(ctx, sweepJobsKey, member).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// PopSweepJob waits up to timeout for the next job. It returns redis.Nil when
// the queue stayed empty.
func (q *Queue) PopSweepJob(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, sweepJobsKey).Result()
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", redis.Nil
	}
	if res[1] == globalSweepName {
		return "", nil
	}
	return res[1], nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, sweepJobsKey).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// IsEmpty reports whether err is the empty-queue signal from PopSweepJob.
func IsEmpty(err error) bool {
	return errors.Is(err, redis.Nil)
}
