package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ============================================================================
// Fixed window
// ============================================================================

func TestFixedWindowLimiter_QuotaAndReset(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewFixedWindowLimiter(5, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5-i-1, result.Remaining)
	}

	clock.Advance(10 * time.Second)
	result, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 50*time.Second, result.RetryAfter)
	assert.Equal(t, 0, result.Remaining)

	clock.Advance(50 * time.Second)
	result, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 4, result.Remaining)
}

func TestFixedWindowLimiter_WindowAnchoredAtFirstRequest(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewFixedWindowLimiter(1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	clock.Advance(59 * time.Second)
	first, _ := limiter.Allow(ctx, "k")
	assert.True(t, first.Allowed)

	clock.Advance(2 * time.Second)
	second, _ := limiter.Allow(ctx, "k")
	assert.False(t, second.Allowed, "window starts at first request, not at a wall-clock boundary")
	assert.Equal(t, 58*time.Second, second.RetryAfter)
}

func TestFixedWindowLimiter_DeniedRequestsCount(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewFixedWindowLimiter(2, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = limiter.Allow(ctx, "k")
	}

	limiter.counters.Range(func(_, value interface{}) bool {
		assert.Equal(t, 4, value.(*windowCounter).count)
		return true
	})
}

func TestFixedWindowLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewFixedWindowLimiter(1, time.Minute)
	ctx := context.Background()

	a, _ := limiter.Allow(ctx, "a")
	b, _ := limiter.Allow(ctx, "b")
	a2, _ := limiter.Allow(ctx, "a")

	assert.True(t, a.Allowed)
	assert.True(t, b.Allowed)
	assert.False(t, a2.Allowed)
}

func TestFixedWindowLimiter_ResetAndCleanup(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewFixedWindowLimiter(1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "a")
	_, _ = limiter.Allow(ctx, "b")
	denied, _ := limiter.Allow(ctx, "a")
	assert.False(t, denied.Allowed)

	require.NoError(t, limiter.Reset(ctx, "a"))
	allowed, _ := limiter.Allow(ctx, "a")
	assert.True(t, allowed.Allowed)

	clock.Advance(time.Minute)
	limiter.Cleanup()
	assert.Equal(t, 0, limiter.Len())

	assert.Equal(t, &Limit{Requests: 1, Window: time.Minute, Burst: 1}, limiter.GetLimit("a"))
}

func TestFixedWindowLimiter_Concurrent(t *testing.T) {
	t.Parallel()

	limiter := NewFixedWindowLimiter(50, time.Hour)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Allow(ctx, "shared")
			if err == nil && result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), allowed.Load())
}

// ============================================================================
// Sliding window
// ============================================================================

func TestSlidingWindowLimiter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(3, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		clock.Advance(10 * time.Second)
	}

	result, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 30*time.Second, result.RetryAfter)

	clock.Advance(30 * time.Second)
	result, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	require.NoError(t, limiter.Reset(ctx, "k"))
	clock.Advance(2 * time.Minute)
	limiter.Cleanup()

	result, err = limiter.AllowN(ctx, "k", 4)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, time.Minute, result.RetryAfter)
}

// ============================================================================
// Token bucket
// ============================================================================

func TestTokenBucketLimiter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewTokenBucketLimiter(5, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d", i+1)
	}

	result, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.InDelta(t, (12 * time.Second).Seconds(), result.RetryAfter.Seconds(), 0.01)

	clock.Advance(12 * time.Second)
	result, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.AllowN(ctx, "k", 6)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	require.NoError(t, limiter.Reset(ctx, "k"))
	result, err = limiter.AllowN(ctx, "k", 5)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	clock.Advance(time.Minute)
	limiter.Cleanup()
	_, loaded := limiter.buckets.Load("k")
	assert.False(t, loaded)
}

// ============================================================================
// Redis
// ============================================================================

func newRedisLimiter(t *testing.T, limit int, window time.Duration, opts ...Option) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLimiter(client, "", limit, window, opts...), mr
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	t.Parallel()

	limiter, mr := newRedisLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "hash")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := limiter.Allow(ctx, "hash")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, time.Minute)

	assert.True(t, mr.Exists(DefaultRedisPrefix+"hash"))

	mr.FastForward(time.Minute)
	result, err = limiter.Allow(ctx, "hash")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 4, result.Remaining)
}

func TestRedisLimiter_Reset(t *testing.T) {
	t.Parallel()

	limiter, mr := newRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "hash")
	require.NoError(t, limiter.Reset(ctx, "hash"))
	assert.False(t, mr.Exists(DefaultRedisPrefix+"hash"))

	result, err := limiter.Allow(ctx, "hash")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.NoError(t, limiter.Close())
}

func TestRedisLimiter_BackendError(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test")
	limiter, mr := newRedisLimiter(t, 1, time.Minute, WithMetrics(metrics))
	mr.SetError("boom")

	_, err := limiter.Allow(context.Background(), "hash")
	assert.ErrorIs(t, err, ErrRedisUnavailable)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.errors.WithLabelValues("redis")))
}

// ============================================================================
// Factory and config
// ============================================================================

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: *DefaultConfig()},
		{name: "zero requests", cfg: Config{Requests: 0, Window: time.Second}, wantErr: true},
		{name: "zero window", cfg: Config{Requests: 1}, wantErr: true},
		{name: "unknown algorithm", cfg: Config{Algorithm: "leaky", Requests: 1, Window: time.Second}, wantErr: true},
		{name: "unknown store", cfg: Config{Requests: 1, Window: time.Second, Store: "etcd"}, wantErr: true},
		{
			name:    "redis with token bucket",
			cfg:     Config{Algorithm: AlgorithmTokenBucket, Requests: 1, Window: time.Second, Store: StoreRedis},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	l, err := New(ctx, nil)
	require.NoError(t, err)
	assert.IsType(t, &FixedWindowLimiter{}, l)

	l, err = New(ctx, &Config{Algorithm: AlgorithmSlidingWindow, Requests: 1, Window: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &SlidingWindowLimiter{}, l)

	l, err = New(ctx, &Config{Algorithm: AlgorithmTokenBucket, Requests: 1, Window: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &TokenBucketLimiter{}, l)

	mr := miniredis.RunT(t)
	l, err = New(ctx, &Config{Requests: 1, Window: time.Second, Store: StoreRedis, Redis: RedisConfig{Address: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisLimiter{}, l)
	assert.NoError(t, l.(*RedisLimiter).Close())

	_, err = New(ctx, &Config{Requests: -1, Window: time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Panics(t, func() { MustNew(ctx, &Config{}) })
}

func TestMetrics_RecordsDecisions(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("")
	metrics.Init()
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.MustRegister(reg)

	limiter := NewFixedWindowLimiter(1, time.Minute, WithMetrics(metrics))
	_, _ = limiter.Allow(context.Background(), "k")
	_, _ = limiter.Allow(context.Background(), "k")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.decisions.WithLabelValues("fixed_window", "allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.decisions.WithLabelValues("fixed_window", "denied")))
}

func TestNoopLimiter(t *testing.T) {
	t.Parallel()

	l := NewNoopLimiter()
	result, err := l.AllowN(context.Background(), "k", 100)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Nil(t, l.GetLimit("k"))
	assert.NoError(t, l.Reset(context.Background(), "k"))
}
