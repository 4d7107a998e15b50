package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps how many inbound events a single connection may emit
// within a sliding window. The gateway closes connections that exceed it.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

// NewRateLimiter constructs a limiter; non-positive inputs fall back to the
// package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{limit: limit, window: window}
}

// Allow records an event at now and reports whether it fits in the window.
// Rejected events are not recorded.
func (l *RateLimiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Stamps are appended in call order, so everything that slid out of the
	// window forms a prefix.
	oldest := now.Add(-l.window)
	keep := 0
	for keep < len(l.stamps) && !l.stamps[keep].After(oldest) {
		keep++
	}
	if keep > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[keep:]...)
	}

	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
