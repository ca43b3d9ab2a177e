package entitlements

import (
	"math"
	"sync"
	"time"
)

// RateLimitError carries the wait the caller should honor before retrying.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "rate limited"
}

type rateBucket struct {
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
}

// RateLimiter is a per-key token bucket refilled at rpm tokens per minute.
type RateLimiter struct {
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithClock(func() time.Time { return time.Now().UTC() })
}

func NewRateLimiterWithClock(now func() time.Time) *RateLimiter {
	return &RateLimiter{
		now:     now,
		buckets: make(map[string]*rateBucket),
	}
}

// Allow takes one token for key. When the bucket is empty it returns the
// number of seconds until the next token.
func (r *RateLimiter) Allow(key string, rpm int) (bool, int) {
	if rpm <= 0 || key == "" {
		return false, 60
	}

	now := r.now()
	capacity := float64(rpm)
	refillPerSec := capacity / 60.0

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[key]
	if !ok {
		r.buckets[key] = &rateBucket{
			tokens:       capacity - 1,
			capacity:     capacity,
			refillPerSec: refillPerSec,
			lastRefill:   now,
		}
		return true, 0
	}

	if elapsed := now.Sub(bucket.lastRefill).Seconds(); elapsed > 0 {
		bucket.tokens = math.Min(bucket.capacity, bucket.tokens+(elapsed*bucket.refillPerSec))
		bucket.lastRefill = now
	}
	if bucket.capacity != capacity {
		bucket.capacity = capacity
		bucket.refillPerSec = refillPerSec
		bucket.tokens = math.Min(bucket.tokens, capacity)
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}

	retrySeconds := int(math.Ceil((1 - bucket.tokens) / bucket.refillPerSec))
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	return false, retrySeconds
}
