// Package ratelimit bounds how often a caller may trigger engine work.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrygo/uncanny/internal/apperrors"
)

// Limiter is a fixed-window counter per caller key. Within one window at most
// Limit calls are accepted; the counter is incremented before it is compared.
type Limiter struct {
	now    func() time.Time
	mu     sync.Mutex
	window time.Duration
	// windows holds the current counter of each key.
	windows map[string]*counter
	limit   int64
	// sweepAt bounds how often expired keys are dropped.
	sweepAt time.Time
}

type counter struct {
	start time.Time
	count atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter accepting limit calls per window and key.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		now:     time.Now,
		window:  window,
		limit:   int64(limit),
		windows: map[string]*counter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Decision is the outcome of one Allow call.
type Decision struct {
	ResetAt   time.Time
	Remaining int
	Allowed   bool
}

// Allow counts one call for key.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	c := l.current(key, now)
	n := c.count.Add(1)
	reset := c.start.Add(l.window)
	if n > l.limit {
		return Decision{Allowed: false, ResetAt: reset}
	}
	return Decision{Allowed: true, Remaining: int(l.limit - n), ResetAt: reset}
}

// Check is Allow returning a typed rate limit error on rejection.
func (l *Limiter) Check(key string) error {
	d := l.Allow(key)
	if !d.Allowed {
		return apperrors.RateLimited(key, d.ResetAt)
	}
	return nil
}

// current returns the counter of the window containing now. Windows are aligned to
// multiples of the window length.
func (l *Limiter) current(key string, now time.Time) *counter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, c := range l.windows {
			if !now.Before(c.start.Add(l.window)) {
				delete(l.windows, k)
			}
		}
		l.sweepAt = now.Add(l.window)
	}

	c, ok := l.windows[key]
	if !ok || !now.Before(c.start.Add(l.window)) {
		c = &counter{start: now.Truncate(l.window)}
		l.windows[key] = c
	}
	return c
}
