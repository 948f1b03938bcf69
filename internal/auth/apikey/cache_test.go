package apikey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraguard/keygate/internal/ratelimit"
)

type cacheFixture struct {
	clock   *fakeClock
	store   *KeyStore
	lookup  *countingLookup
	limiter ratelimit.Limiter
	metrics *Metrics
	cache   *ValidationCache
}

func newCacheFixture(t *testing.T, clock *fakeClock, limiter ratelimit.Limiter, opts ...CacheOption) *cacheFixture {
	t.Helper()

	if clock == nil {
		clock = newFakeClock()
	}
	f := &cacheFixture{
		clock:   clock,
		metrics: NewMetrics("test"),
		limiter: limiter,
	}
	f.store = NewKeyStore(WithStoreClock(f.clock.Now))
	f.lookup = &countingLookup{store: f.store}
	v := NewValidator(f.lookup, limiter, WithValidatorClock(f.clock.Now))

	opts = append([]CacheOption{
		WithCacheClock(f.clock.Now),
		WithCacheMetrics(f.metrics),
		WithCleanupInterval(0),
	}, opts...)
	f.cache = NewValidationCache(v, opts...)
	t.Cleanup(f.cache.Close)

	f.store.OnRevoke(func(ctx context.Context, key *APIKey) {
		f.cache.Purge(key.Token)
		if f.limiter != nil {
			_ = f.limiter.Reset(ctx, key.Hash)
		}
	})
	return f
}

func (f *cacheFixture) create(t *testing.T, opts ...CreateOption) *APIKey {
	t.Helper()
	key, err := f.store.Create(context.Background(), "k", nil, nil, opts...)
	require.NoError(t, err)
	return key
}

// ============================================================================
// Hit and miss paths
// ============================================================================

func TestValidationCache_HitReturnsSameKey(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil)
	key := f.create(t)
	ctx := context.Background()

	first, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.clock.Advance(10 * time.Second)
		got, err := f.cache.GetOrValidate(ctx, key.Token)
		require.NoError(t, err)
		assert.Same(t, first, got)
	}

	assert.Equal(t, int32(1), f.lookup.lookups.Load())
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.cacheMisses))
	assert.Equal(t, int64(6), key.RequestCount())
}

func TestValidationCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil, WithTTL(time.Minute))
	key := f.create(t)
	ctx := context.Background()

	_, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)

	f.clock.Advance(59 * time.Second)
	_, err = f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.lookup.lookups.Load())

	f.clock.Advance(time.Second)
	_, err = f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.lookup.lookups.Load())
	assert.Equal(t, 1, f.cache.Len())
}

func TestValidationCache_FailuresAreNotCached(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.cache.GetOrValidate(ctx, "kg_unknown")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	}
	assert.Equal(t, int32(3), f.lookup.lookups.Load())
	assert.Equal(t, 0, f.cache.Len())
}

// ============================================================================
// Revocation and expiry
// ============================================================================

func TestValidationCache_RevokeWithLiveEntry(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil)
	key := f.create(t)
	ctx := context.Background()

	_, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)
	require.Equal(t, 1, f.cache.Len())

	require.NoError(t, f.store.Revoke(ctx, key.Token))
	assert.Equal(t, 0, f.cache.Len())

	_, err = f.cache.GetOrValidate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestValidationCache_RevokedFlagBlocksHit(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil)
	key := f.create(t)
	ctx := context.Background()

	_, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)

	// Revocation flagged but not yet purged.
	key.revoked.Store(true)

	_, err = f.cache.GetOrValidate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 0, f.cache.Len())
}

func TestValidationCache_RevokeDuringValidation(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil)
	key := f.create(t)
	ctx := context.Background()

	var once sync.Once
	f.lookup.afterLookup = func(token string) {
		once.Do(func() {
			require.NoError(t, f.store.Revoke(ctx, token))
		})
	}

	_, _ = f.cache.GetOrValidate(ctx, key.Token)
	assert.Equal(t, 0, f.cache.Len(), "validation racing a revoke is not cached")

	_, err := f.cache.GetOrValidate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestValidationCache_UnrelatedRevokeDuringValidation(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil)
	key := f.create(t)
	other := f.create(t)
	ctx := context.Background()

	var once sync.Once
	f.lookup.afterLookup = func(string) {
		once.Do(func() {
			require.NoError(t, f.store.Revoke(ctx, other.Token))
		})
	}

	_, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.Len())

	got, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)
	assert.Same(t, key, got)
	assert.Equal(t, int32(1), f.lookup.lookups.Load())
}

func TestValidationCache_ExpiredKeyOnHit(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil, WithTTL(time.Hour))
	key := f.create(t, WithExpiry(newFakeClock().Now().Add(time.Minute)))
	ctx := context.Background()

	_, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.cache.GetOrValidate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, 0, f.store.Count())
}

// ============================================================================
// Rate limiting on the hit path
// ============================================================================

func TestValidationCache_RateLimitedHitEvicts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := ratelimit.NewFixedWindowLimiter(2, time.Minute, ratelimit.WithClock(clock.Now))
	f := newCacheFixture(t, clock, limiter, WithTTL(time.Hour))
	key := f.create(t)
	ctx := context.Background()

	_, err := f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)
	_, err = f.cache.GetOrValidate(ctx, key.Token)
	require.NoError(t, err)

	_, err = f.cache.GetOrValidate(ctx, key.Token)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, time.Minute, rl.RetryAfter)
	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.cacheEvictions.WithLabelValues(EvictRateLimited)))

	// The miss path consults the limiter too.
	_, err = f.cache.GetOrValidate(ctx, key.Token)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(2), f.lookup.lookups.Load())

	clock.Advance(time.Minute)
	_, err = f.cache.GetOrValidate(ctx, key.Token)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.cache.Len())
}

func TestValidationCache_ConcurrentQuota(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewFixedWindowLimiter(50, time.Hour)
	f := newCacheFixture(t, nil, limiter)
	key := f.create(t)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.cache.GetOrValidate(ctx, key.Token); err == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), allowed.Load())
}

// ============================================================================
// Capacity, maintenance and lifecycle
// ============================================================================

func TestValidationCache_MaxEntries(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil, WithMaxEntries(2))
	ctx := context.Background()

	keys := make([]*APIKey, 3)
	for i := range keys {
		keys[i] = f.create(t)
		_, err := f.cache.GetOrValidate(ctx, keys[i].Token)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, f.cache.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.cacheEvictions.WithLabelValues(EvictCapacity)))

	_, err := f.cache.GetOrValidate(ctx, keys[0].Token)
	require.NoError(t, err)
	assert.Equal(t, int32(4), f.lookup.lookups.Load(), "oldest entry was evicted")
}

func TestValidationCache_PurgeClearLen(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		key := f.create(t)
		tokens = append(tokens, key.Token)
		_, err := f.cache.GetOrValidate(ctx, key.Token)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.cache.Len())

	f.cache.Purge(tokens[0])
	f.cache.Purge("kg_unknown")
	assert.Equal(t, 2, f.cache.Len())

	f.cache.Clear()
	assert.Equal(t, 0, f.cache.Len())
}

func TestValidationCache_Cleanup(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(t, nil, nil, WithTTL(time.Minute))
	ctx := context.Background()

	old := f.create(t)
	_, err := f.cache.GetOrValidate(ctx, old.Token)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	fresh := f.create(t)
	_, err = f.cache.GetOrValidate(ctx, fresh.Token)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, f.cache.Cleanup())
	assert.Equal(t, 1, f.cache.Len())
}

func TestValidationCache_JanitorAndClose(t *testing.T) {
	t.Parallel()

	store := NewKeyStore()
	v := NewValidator(store, nil)
	cache := NewValidationCache(v, WithTTL(time.Millisecond), WithCleanupInterval(5*time.Millisecond))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		key, err := store.Create(ctx, fmt.Sprintf("k%d", i), nil, nil)
		require.NoError(t, err)
		_, err = cache.GetOrValidate(ctx, key.Token)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return cache.Len() == 0
	}, time.Second, 5*time.Millisecond)

	cache.Close()
	cache.Close()
}
