package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindowLimiter implements a sliding log: every allowed request is
// timestamped and a request is allowed while fewer than limit timestamps fall
// inside the trailing window. Denied requests are not recorded.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	opts   options

	states sync.Map
}

// Ensure SlidingWindowLimiter implements Limiter.
var _ Limiter = (*SlidingWindowLimiter)(nil)

// windowState holds the request log of one key.
type windowState struct {
	requests []time.Time
	removed  bool
	mu       sync.Mutex
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(limit int, window time.Duration, opts ...Option) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		opts:   buildOptions(opts),
	}
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *SlidingWindowLimiter) AllowN(_ context.Context, key string, n int) (*Result, error) {
	ws := l.lockState(key)
	now := l.opts.now()

	l.trim(ws, now)

	allowed := len(ws.requests)+n <= l.limit
	if allowed {
		for i := 0; i < n; i++ {
			ws.requests = append(ws.requests, now)
		}
	}

	remaining := l.limit - len(ws.requests)
	if remaining < 0 {
		remaining = 0
	}

	var resetAfter time.Duration
	if len(ws.requests) > 0 {
		resetAfter = ws.requests[len(ws.requests)-1].Add(l.window).Sub(now)
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = l.retryAfter(ws, now, n)
	}
	ws.mu.Unlock()

	result := &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
	l.opts.record(AlgorithmSlidingWindow, result)
	return result, nil
}

// trim drops timestamps that left the window.
func (l *SlidingWindowLimiter) trim(ws *windowState, now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(ws.requests) && !ws.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ws.requests = append(ws.requests[:0], ws.requests[i:]...)
	}
}

// retryAfter is the wait until enough old requests leave the window to admit n.
func (l *SlidingWindowLimiter) retryAfter(ws *windowState, now time.Time, n int) time.Duration {
	if n > l.limit {
		return l.window
	}
	idx := len(ws.requests) + n - l.limit - 1
	if idx < 0 || idx >= len(ws.requests) {
		return 0
	}
	wait := ws.requests[idx].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (l *SlidingWindowLimiter) lockState(key string) *windowState {
	for {
		value, _ := l.states.LoadOrStore(key, &windowState{})
		ws := value.(*windowState)
		ws.mu.Lock()
		if !ws.removed {
			return ws
		}
		ws.mu.Unlock()
	}
}

// GetLimit implements Limiter.
func (l *SlidingWindowLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(_ context.Context, key string) error {
	if value, ok := l.states.Load(key); ok {
		ws := value.(*windowState)
		ws.mu.Lock()
		ws.removed = true
		l.states.CompareAndDelete(key, ws)
		ws.mu.Unlock()
	}
	return nil
}

// Cleanup removes keys with no request inside the window.
func (l *SlidingWindowLimiter) Cleanup() {
	now := l.opts.now()

	l.states.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)
		ws.mu.Lock()
		l.trim(ws, now)
		if len(ws.requests) == 0 {
			ws.removed = true
			l.states.CompareAndDelete(key, ws)
		}
		ws.mu.Unlock()
		return true
	})
}
