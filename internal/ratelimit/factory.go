package ratelimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// New creates a rate limiter based on the configuration. A nil config uses
// DefaultConfig.
func New(ctx context.Context, config *Config, opts ...Option) (Limiter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	o.logger.Info("creating rate limiter",
		zap.String("algorithm", string(config.Algorithm)),
		zap.String("store", config.Store),
		zap.Int("requests", config.Requests),
		zap.Duration("window", config.Window),
	)

	if config.Store == StoreRedis {
		return DialRedisLimiter(ctx, config.Redis, config.Requests, config.Window, opts...)
	}

	switch config.Algorithm {
	case AlgorithmFixedWindow, "":
		return NewFixedWindowLimiter(config.Requests, config.Window, opts...), nil
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(config.Requests, config.Window, opts...), nil
	case AlgorithmTokenBucket:
		return NewTokenBucketLimiter(config.Requests, config.Window, opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, config.Algorithm)
	}
}

// MustNew creates a new rate limiter and panics on error.
func MustNew(ctx context.Context, config *Config, opts ...Option) Limiter {
	limiter, err := New(ctx, config, opts...)
	if err != nil {
		panic(err)
	}
	return limiter
}
