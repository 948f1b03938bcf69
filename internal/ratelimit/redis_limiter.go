package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix prefixes every rate limit key written to Redis.
const DefaultRedisPrefix = "keygate:ratelimit:"

// ErrRedisUnavailable indicates the Redis store could not be reached.
var ErrRedisUnavailable = errors.New("redis is unavailable")

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// fixedWindowScript counts a request in a window anchored at the key's first
// hit. It returns the count and the milliseconds left in the window.
// KEYS[1] = key
// ARGV[1] = n
// ARGV[2] = window in milliseconds
var fixedWindowScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		ttl = tonumber(ARGV[2])
	end
	return {current, ttl}
`)

// RedisLimiter runs the fixed window algorithm in Redis so that replicas
// share one quota per key.
type RedisLimiter struct {
	client    redis.UniversalClient
	prefix    string
	limit     int
	window    time.Duration
	opts      options
	ownClient bool
}

// Ensure RedisLimiter implements Limiter.
var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter on an existing client. The caller keeps
// ownership of the client.
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, opts ...Option) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		opts:   buildOptions(opts),
	}
}

// DialRedisLimiter connects to Redis and creates a limiter owning the client.
func DialRedisLimiter(ctx context.Context, cfg RedisConfig, limit int, window time.Duration, opts ...Option) (*RedisLimiter, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrRedisUnavailable, cfg.Address, err)
	}

	l := NewRedisLimiter(client, cfg.Prefix, limit, window, opts...)
	l.ownClient = true

	l.opts.logger.Info("Redis rate limiter connected",
		zap.String("address", cfg.Address),
		zap.Int("requests", limit),
		zap.Duration("window", window),
	)
	return l, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter. Redis errors are returned to the caller.
func (l *RedisLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	raw, err := fixedWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		n,
		l.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		if l.opts.metrics != nil {
			l.opts.metrics.RecordError("redis")
		}
		return nil, fmt.Errorf("%w: %w", ErrRedisUnavailable, err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("unexpected script result: %v", raw)
	}

	count := int(raw[0])
	resetAfter := time.Duration(raw[1]) * time.Millisecond

	allowed := count <= l.limit
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
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

// GetLimit implements Limiter.
func (l *RedisLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset %s: %w", key, err)
	}
	return nil
}

// Close closes the client when the limiter created it.
func (l *RedisLimiter) Close() error {
	if l.ownClient {
		return l.client.Close()
	}
	return nil
}
