// Package ratelimit implements the per-key sliding window used by the API
// middleware. Counting is conservative: a request is recorded only when it
// is admitted, so rejected calls never consume budget.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most maxRequests per key inside a rolling
// window. Timestamps come from a monotonic clock source.
type SlidingWindowLimiter struct {
	maxRequests int
	window      time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

// NewSlidingWindowLimiter builds a limiter; maxRequests is clamped to 1.
func NewSlidingWindowLimiter(maxRequests int, window time.Duration) *SlidingWindowLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &SlidingWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		events:      map[string][]time.Time{},
		now:         time.Now,
	}
}

// SetNow injects a clock for tests.
func (l *SlidingWindowLimiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow reports whether one more request under key fits in the window, and
// records it when it does.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)

	queue := l.events[key]
	i := 0
	for i < len(queue) && queue[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		queue = append([]time.Time(nil), queue[i:]...)
	}
	if len(queue) >= l.maxRequests {
		l.events[key] = queue
		return false
	}
	l.events[key] = append(queue, now)
	return true
}

// Registry hands out one limiter per distinct limit so that endpoints with
// the same budget share a window table.
type Registry struct {
	window time.Duration

	mu       sync.Mutex
	limiters map[int]*SlidingWindowLimiter
}

// NewRegistry builds a registry over a shared window size.
func NewRegistry(window time.Duration) *Registry {
	return &Registry{window: window, limiters: map[int]*SlidingWindowLimiter{}}
}

// Limiter returns the limiter for maxRequests, creating it on first use.
func (r *Registry) Limiter(maxRequests int) *SlidingWindowLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.limiters[maxRequests]
	if !ok {
		limiter = NewSlidingWindowLimiter(maxRequests, r.window)
		r.limiters[maxRequests] = limiter
	}
	return limiter
}
