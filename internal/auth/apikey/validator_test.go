package apikey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraguard/keygate/internal/ratelimit"
	"github.com/astraguard/keygate/internal/storage"
)

func TestValidator_UnknownToken(t *testing.T) {
	t.Parallel()

	v := NewValidator(NewKeyStore(), nil)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "unknown", token: "kg_unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key, err := v.Validate(context.Background(), tt.token)
			assert.Nil(t, key)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestValidator_RevokedToken(t *testing.T) {
	t.Parallel()

	store := NewKeyStore()
	ctx := context.Background()
	key, err := store.Create(ctx, "k", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, key.Token))

	_, err = NewValidator(store, nil).Validate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestValidator_Success(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewKeyStore()
	metrics := NewMetrics("test")
	v := NewValidator(store, nil, WithValidatorClock(clock.Now), WithValidatorMetrics(metrics))
	ctx := context.Background()

	key, err := store.Create(ctx, "k", nil, nil)
	require.NoError(t, err)

	got, err := v.Validate(ctx, key.Token)
	require.NoError(t, err)
	assert.Same(t, key, got)
	assert.Equal(t, int64(1), key.RequestCount())
	assert.True(t, clock.Now().Equal(key.LastUsed()))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.validationTotal.WithLabelValues(OutcomeSuccess)))
}

func TestValidator_ExpiredKey(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewKeyStore(WithStoreClock(clock.Now))
	limiter := newRecordingLimiter(nil)
	v := NewValidator(store, limiter, WithValidatorClock(clock.Now))
	ctx := context.Background()

	key, err := store.Create(ctx, "k", nil, nil, WithExpiry(clock.Now().Add(time.Minute)))
	require.NoError(t, err)

	_, err = v.Validate(ctx, key.Token)
	require.NoError(t, err)
	require.Equal(t, int32(1), limiter.allows.Load())

	clock.Advance(time.Minute)

	_, err = v.Validate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrExpired)
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(1), limiter.allows.Load(), "limiter not consulted for expired keys")

	assert.Equal(t, 0, store.Count())
	_, err = v.Validate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestValidator_ExpiredKeySkipsStorage(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	backend := storage.NewMemoryBackend()
	store := NewKeyStore(WithBackend(backend), WithStoreClock(clock.Now))
	v := NewValidator(store, nil, WithValidatorClock(clock.Now))
	ctx := context.Background()

	key, err := store.Create(ctx, "k", nil, nil, WithExpiry(clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	saves := backend.Saves()

	clock.Advance(2 * time.Minute)
	_, err = v.Validate(ctx, key.Token)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, saves, backend.Saves(), "expiry does not write to storage")
	assert.True(t, key.Revoked())
}

func TestValidator_ExpiredEvenUnderQuota(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewKeyStore()
	limiter := ratelimit.NewFixedWindowLimiter(100, time.Minute, ratelimit.WithClock(clock.Now))
	v := NewValidator(store, limiter, WithValidatorClock(clock.Now))
	ctx := context.Background()

	key, err := store.Create(ctx, "k", nil, nil, WithExpiry(clock.Now().Add(-time.Second)))
	require.NoError(t, err)

	_, err = v.Validate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidator_RateLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewKeyStore()
	limiter := ratelimit.NewFixedWindowLimiter(5, 60*time.Second, ratelimit.WithClock(clock.Now))
	v := NewValidator(store, limiter, WithValidatorClock(clock.Now))
	ctx := context.Background()

	key, err := store.Create(ctx, "k", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := v.Validate(ctx, key.Token)
		require.NoError(t, err, "request %d", i+1)
	}

	clock.Advance(10 * time.Second)
	_, err = v.Validate(ctx, key.Token)
	require.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, key.ID, rl.KeyID)
	assert.Equal(t, 5, rl.Limit)
	assert.Equal(t, 50*time.Second, rl.RetryAfter)
	assert.Equal(t, 50, rl.RetryAfterSeconds())

	clock.Advance(50 * time.Second)
	_, err = v.Validate(ctx, key.Token)
	assert.NoError(t, err)
}

func TestValidator_RateLimitKeyIsTokenHash(t *testing.T) {
	t.Parallel()

	store := NewKeyStore()
	limiter := newRecordingLimiter(nil)
	v := NewValidator(store, limiter)
	ctx := context.Background()

	key, err := store.Create(ctx, "k", nil, nil)
	require.NoError(t, err)
	_, err = v.Validate(ctx, key.Token)
	require.NoError(t, err)

	assert.Equal(t, []string{key.Hash}, limiter.Keys())
	assert.NotContains(t, limiter.Keys(), key.Token)
}

func TestValidator_LimiterErrorFailsClosed(t *testing.T) {
	t.Parallel()

	store := NewKeyStore()
	metrics := NewMetrics("test")
	v := NewValidator(store, &failingLimiter{}, WithValidatorMetrics(metrics))
	ctx := context.Background()

	key, err := store.Create(ctx, "k", nil, nil)
	require.NoError(t, err)

	got, err := v.Validate(ctx, key.Token)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, errLimiterDown)
	assert.Equal(t, int64(0), key.RequestCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.validationTotal.WithLabelValues(OutcomeError)))
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	err := error(&RateLimitError{KeyID: "id", RetryAfter: 1500 * time.Millisecond})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "retry after 1.5s")

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 2, rl.RetryAfterSeconds())

	assert.Equal(t, 1, (&RateLimitError{}).RetryAfterSeconds())
}

func TestIsAuthError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsAuthError(ErrUnauthenticated))
	assert.True(t, IsAuthError(ErrMissingToken))
	assert.True(t, IsAuthError(ErrExpired))
	assert.True(t, IsAuthError(&RateLimitError{}))
	assert.False(t, IsAuthError(errors.New("boom")))
	assert.False(t, IsAuthError(ErrNotFound))
}
