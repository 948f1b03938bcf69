package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter implements the token bucket algorithm on
// golang.org/x/time/rate. Buckets refill limit tokens per window and hold at
// most limit tokens.
type TokenBucketLimiter struct {
	limit  int
	window time.Duration
	every  rate.Limit
	opts   options

	buckets sync.Map
}

// Ensure TokenBucketLimiter implements Limiter.
var _ Limiter = (*TokenBucketLimiter)(nil)

// bucket wraps a rate.Limiter with its last use time.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	removed  bool
	mu       sync.Mutex
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
func NewTokenBucketLimiter(limit int, window time.Duration, opts ...Option) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limit:  limit,
		window: window,
		every:  rate.Every(window / time.Duration(limit)),
		opts:   buildOptions(opts),
	}
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *TokenBucketLimiter) AllowN(_ context.Context, key string, n int) (*Result, error) {
	b := l.lockBucket(key)
	now := l.opts.now()
	b.lastSeen = now

	var retryAfter time.Duration
	allowed := false

	reservation := b.limiter.ReserveN(now, n)
	switch {
	case !reservation.OK():
		retryAfter = l.window
	case reservation.DelayFrom(now) == 0:
		allowed = true
	default:
		retryAfter = reservation.DelayFrom(now)
		reservation.CancelAt(now)
	}

	tokens := b.limiter.TokensAt(now)
	b.mu.Unlock()

	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	missing := float64(l.limit) - tokens
	resetAfter := time.Duration(missing / float64(l.every) * float64(time.Second))

	result := &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
	l.opts.record(AlgorithmTokenBucket, result)
	return result, nil
}

func (l *TokenBucketLimiter) lockBucket(key string) *bucket {
	for {
		value, loaded := l.buckets.Load(key)
		if !loaded {
			fresh := &bucket{limiter: rate.NewLimiter(l.every, l.limit)}
			fresh.limiter.SetLimitAt(l.opts.now(), l.every)
			value, _ = l.buckets.LoadOrStore(key, fresh)
		}
		b := value.(*bucket)
		b.mu.Lock()
		if !b.removed {
			return b
		}
		b.mu.Unlock()
	}
}

// GetLimit implements Limiter.
func (l *TokenBucketLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(_ context.Context, key string) error {
	if value, ok := l.buckets.Load(key); ok {
		b := value.(*bucket)
		b.mu.Lock()
		b.removed = true
		l.buckets.CompareAndDelete(key, b)
		b.mu.Unlock()
	}
	return nil
}

// Cleanup removes buckets idle for longer than a window, which are full again.
func (l *TokenBucketLimiter) Cleanup() {
	now := l.opts.now()

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastSeen) >= l.window {
			b.removed = true
			l.buckets.CompareAndDelete(key, b)
		}
		b.mu.Unlock()
		return true
	})
}
