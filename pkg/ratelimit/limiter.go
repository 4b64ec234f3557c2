// Package ratelimit provides a sliding-window request limiter keyed by
// caller identity, with an injectable clock for deterministic tests.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Result reports the outcome of one limit check.
type Result struct {
	Allowed    bool
	Current    int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a sliding-window rate limiter. The (N+1)-th request inside the
// window from the same identity is rejected while the N-th is accepted.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock, letting tests fast-forward time instead of
// sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing limit requests per window.
func New(limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be at least 1")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}

	l := &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow records one request for the identity and reports whether it fits the
// window. Rejected requests are not recorded.
func (l *Limiter) Allow(identity string) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	stamps := l.windows[identity]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	result := &Result{Limit: l.limit, Current: len(live)}

	if len(live) >= l.limit {
		l.windows[identity] = live
		result.Allowed = false
		result.RetryAfter = live[0].Add(l.window).Sub(now)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		return result
	}

	live = append(live, now)
	l.windows[identity] = live
	result.Allowed = true
	result.Current = len(live)
	result.Remaining = l.limit - len(live)
	return result
}

// Reset clears the window for one identity.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identity)
}

// Prune drops identities with no requests inside the window, bounding
// memory on long-running servers.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for identity, stamps := range l.windows {
		alive := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				alive = true
				break
			}
		}
		if !alive {
			delete(l.windows, identity)
			removed++
		}
	}
	return removed
}
