// Package ratelimit applies per-route token buckets.
package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"
)

// Limiter holds one token bucket per key (route name). Buckets are created
// on first use; the route set is fixed for the process lifetime, so there
// is nothing to prune or reconfigure.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*ratelib.Limiter)}
}

// Allow reports whether one more request fits the bucket for key, creating
// the bucket with the given rate on first sight.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		// double-check under the write lock
		lim, ok = l.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rps), burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}
	return lim.Allow()
}
