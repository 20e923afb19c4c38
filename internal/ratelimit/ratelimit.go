// Package ratelimit is a per-key token bucket limiter, adapted from the
// teacher's scheduler/limiter.go TokenBucketLimiter. It is used to cap
// how often a single task id can be retried from the dead-letter surface,
// so a scripted retry loop can't hammer the broker.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter defines the rate-limiting contract the admin API depends on.
type Limiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter implements Limiter with one token bucket per key,
// created lazily on first use.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter allowing r events/sec per key,
// with burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, exists := l.limiters[key]
	if !exists {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether key may proceed now, consuming a token if so.
func (l *TokenBucketLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Reserve reports whether key may proceed now, and if not, how long the
// caller would need to wait. It never blocks or holds the reservation
// open — it's a check, not a wait.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	r := l.limiterFor(key).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
