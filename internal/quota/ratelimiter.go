// Package quota rate-limits requests per caller key.
package quota

import (
	"sync"
	"time"
)

// RateLimiter implements per-key token bucket rate limiting. With a burst
// of 1 it behaves as a cooldown: one request per interval per key.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	interval time.Duration // time to refill one token
	burst    float64
	now      func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter allows burst requests at once and one more per interval.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets:  make(map[string]*tokenBucket),
		interval: interval,
		burst:    float64(burst),
		now:      time.Now,
	}
}

// Allow reports whether a request for key may proceed, consuming a token
// if so. A zero interval means unlimited.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.interval <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[key] = bucket
	}
	rl.refill(bucket, now)

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

func (rl *RateLimiter) refill(bucket *tokenBucket, now time.Time) {
	elapsed := now.Sub(bucket.lastRefill)
	bucket.tokens += float64(elapsed) / float64(rl.interval)
	if bucket.tokens > rl.burst {
		bucket.tokens = rl.burst
	}
	bucket.lastRefill = now
}

// RetryAfter returns how long until key gets its next token.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	if rl.interval <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		return 0
	}
	rl.refill(bucket, rl.now())
	if bucket.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - bucket.tokens) * float64(rl.interval))
}

// Cleanup removes buckets not touched within maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
