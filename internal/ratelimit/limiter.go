// Package ratelimit provides per-key request rate limiting for keygate.
// It supports fixed window (default), sliding window and token bucket
// algorithms in memory, and a fixed window shared across replicas in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Limiter defines the interface for rate limiting.
type Limiter interface {
	// Allow checks if a single request is allowed for the given key.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks if n requests are allowed for the given key.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// GetLimit returns the limit configuration for the given key.
	GetLimit(key string) *Limit

	// Reset resets the rate limit state for the given key.
	Reset(ctx context.Context, key string) error
}

// Cleaner is implemented by limiters holding in-memory state that can be
// swept of idle keys.
type Cleaner interface {
	Cleanup()
}

// Limit represents rate limit configuration.
type Limit struct {
	// Requests is the maximum number of requests allowed in the window.
	Requests int

	// Window is the time window for the rate limit.
	Window time.Duration

	// Burst is the maximum burst size (for token bucket algorithm).
	Burst int
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the rate limit resets.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// Algorithm represents the rate limiting algorithm type.
type Algorithm string

const (
	// AlgorithmFixedWindow uses the fixed window algorithm.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmSlidingWindow uses the sliding window algorithm.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmTokenBucket uses the token bucket algorithm.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// Store types.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ErrInvalidConfig is returned for unusable limiter settings.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// Config holds configuration for creating a rate limiter.
type Config struct {
	// Algorithm is the rate limiting algorithm to use.
	Algorithm Algorithm

	// Requests is the maximum number of requests allowed in the window.
	Requests int

	// Window is the time window for the rate limit.
	Window time.Duration

	// Store is memory or redis.
	Store string

	// Redis holds the redis store settings.
	Redis RedisConfig
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: AlgorithmFixedWindow,
		Requests:  100,
		Window:    time.Minute,
		Store:     StoreMemory,
	}
}

// Validate checks the limiter settings.
func (c *Config) Validate() error {
	if c.Requests <= 0 {
		return fmt.Errorf("%w: requests must be positive, got %d", ErrInvalidConfig, c.Requests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	switch c.Algorithm {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket, "":
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, c.Algorithm)
	}
	switch c.Store {
	case StoreMemory, "":
	case StoreRedis:
		if c.Algorithm != AlgorithmFixedWindow && c.Algorithm != "" {
			return fmt.Errorf("%w: redis store supports only %s", ErrInvalidConfig, AlgorithmFixedWindow)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	return nil
}

// options holds settings shared by every limiter implementation.
type options struct {
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures a limiter.
type Option func(*options)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// record reports a decision to metrics when configured.
func (o *options) record(algorithm Algorithm, result *Result) {
	if o.metrics != nil {
		o.metrics.RecordDecision(string(algorithm), result.Allowed)
	}
}

// NoopLimiter is a rate limiter that always allows requests.
type NoopLimiter struct{}

// Ensure NoopLimiter implements Limiter.
var _ Limiter = (*NoopLimiter)(nil)

// NewNoopLimiter creates a new noop limiter.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow implements Limiter.
func (l *NoopLimiter) Allow(_ context.Context, _ string) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// AllowN implements Limiter.
func (l *NoopLimiter) AllowN(ctx context.Context, key string, _ int) (*Result, error) {
	return l.Allow(ctx, key)
}

// GetLimit implements Limiter.
func (l *NoopLimiter) GetLimit(_ string) *Limit {
	return nil
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(_ context.Context, _ string) error {
	return nil
}
