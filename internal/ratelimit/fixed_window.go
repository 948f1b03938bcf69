package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm.
// A key's window starts at its first request and resets once the window
// length has elapsed since that start. Denied requests still count.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	opts   options

	counters sync.Map
}

// Ensure FixedWindowLimiter implements Limiter.
var _ Limiter = (*FixedWindowLimiter)(nil)

// windowCounter represents a counter for a fixed window.
type windowCounter struct {
	count       int
	windowStart time.Time
	started     bool
	removed     bool
	mu          sync.Mutex
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(limit int, window time.Duration, opts ...Option) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		opts:   buildOptions(opts),
	}
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *FixedWindowLimiter) AllowN(_ context.Context, key string, n int) (*Result, error) {
	wc := l.lockCounter(key)
	now := l.opts.now()

	if !wc.started || now.Sub(wc.windowStart) >= l.window {
		wc.started = true
		wc.windowStart = now
		wc.count = n
	} else {
		wc.count += n
	}

	allowed := wc.count <= l.limit

	remaining := l.limit - wc.count
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := l.window - now.Sub(wc.windowStart)
	if resetAfter < 0 {
		resetAfter = 0
	}
	wc.mu.Unlock()

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
		l.opts.logger.Debug("fixed window limit exceeded",
			zap.Int("limit", l.limit),
			zap.Duration("retry_after", retryAfter),
		)
	}

	result := &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
	l.opts.record(AlgorithmFixedWindow, result)
	return result, nil
}

// lockCounter returns the locked live counter for key. A counter removed by
// Reset or Cleanup between load and lock is skipped.
func (l *FixedWindowLimiter) lockCounter(key string) *windowCounter {
	for {
		value, _ := l.counters.LoadOrStore(key, &windowCounter{})
		wc := value.(*windowCounter)
		wc.mu.Lock()
		if !wc.removed {
			return wc
		}
		wc.mu.Unlock()
	}
}

// GetLimit implements Limiter.
func (l *FixedWindowLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(_ context.Context, key string) error {
	if value, ok := l.counters.Load(key); ok {
		wc := value.(*windowCounter)
		wc.mu.Lock()
		wc.removed = true
		l.counters.CompareAndDelete(key, wc)
		wc.mu.Unlock()
	}
	return nil
}

// Cleanup removes counters whose window has elapsed.
func (l *FixedWindowLimiter) Cleanup() {
	now := l.opts.now()

	l.counters.Range(func(key, value interface{}) bool {
		wc := value.(*windowCounter)
		wc.mu.Lock()
		if now.Sub(wc.windowStart) >= l.window {
			wc.removed = true
			l.counters.CompareAndDelete(key, wc)
		}
		wc.mu.Unlock()
		return true
	})
}

// Len returns the number of tracked keys.
func (l *FixedWindowLimiter) Len() int {
	n := 0
	l.counters.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
