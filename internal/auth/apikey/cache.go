package apikey

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/astraguard/keygate/internal/observability"
)

// DefaultCacheTTL is how long a successful validation is reused.
const DefaultCacheTTL = 300 * time.Second

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "keygate/apikey"

// ValidationCache reuses successful validations for a short TTL. A hit skips
// the key store lookup but still consults the rate limiter.
type ValidationCache struct {
	validator  *Validator
	ttl        time.Duration
	maxEntries int
	interval   time.Duration
	now        func() time.Time
	logger     observability.Logger
	metrics    *Metrics

	mu      sync.RWMutex
	entries map[string]*list.Element
	order   *list.List // oldest insert at the front

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type cacheEntry struct {
	token    string
	key      *APIKey
	cachedAt time.Time
}

// CacheOption is a functional option for the validation cache.
type CacheOption func(*ValidationCache)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *ValidationCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the cache. The oldest entry is evicted when full.
// Zero means unbounded.
func WithMaxEntries(n int) CacheOption {
	return func(c *ValidationCache) {
		c.maxEntries = n
	}
}

// WithCleanupInterval sets the janitor period. Zero disables the janitor.
func WithCleanupInterval(d time.Duration) CacheOption {
	return func(c *ValidationCache) {
		c.interval = d
	}
}

// WithCacheClock sets the clock used for TTL checks.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ValidationCache) {
		c.now = now
	}
}

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(logger observability.Logger) CacheOption {
	return func(c *ValidationCache) {
		c.logger = logger
	}
}

// WithCacheMetrics sets the metrics for the cache.
func WithCacheMetrics(metrics *Metrics) CacheOption {
	return func(c *ValidationCache) {
		c.metrics = metrics
	}
}

// NewValidationCache creates a cache in front of the validator.
func NewValidationCache(validator *Validator, opts ...CacheOption) *ValidationCache {
	c := &ValidationCache{
		validator: validator,
		ttl:       DefaultCacheTTL,
		interval:  -1,
		now:       time.Now,
		logger:    observability.NopLogger(),
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("keygate")
	}
	if c.interval < 0 {
		c.interval = c.ttl
	}

	if c.interval > 0 {
		go c.cleanupLoop()
	} else {
		close(c.doneCh)
	}

	c.logger.Info("validation cache initialized",
		observability.Duration("ttl", c.ttl),
		observability.Int("maxEntries", c.maxEntries))

	return c
}

// GetOrValidate returns the cached key for the token after a rate limit
// check, or runs a full validation and caches its success.
func (c *ValidationCache) GetOrValidate(ctx context.Context, token string) (*APIKey, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "apikey.cache.GetOrValidate",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if key, ok := c.lookup(token); ok {
		c.metrics.RecordCacheHit()
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.String("apikey.id", key.ID),
		)

		if err := c.validator.CheckRate(ctx, key); err != nil {
			c.remove(token, key, EvictRateLimited)
			recordSpanError(span, err)
			return nil, err
		}
		return key, nil
	}

	c.metrics.RecordCacheMiss()
	span.SetAttributes(attribute.Bool("cache.hit", false))

	key, err := c.validator.Validate(ctx, token)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("apikey.id", key.ID))

	c.insert(token, key)
	return key, nil
}

// lookup returns a live entry, dropping it when stale.
func (c *ValidationCache) lookup(token string) (*APIKey, bool) {
	c.mu.RLock()
	elem, ok := c.entries[token]
	var entry *cacheEntry
	if ok {
		entry = elem.Value.(*cacheEntry)
	}
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	now := c.now()
	switch {
	case entry.key.Revoked():
		c.remove(token, entry.key, EvictPurge)
		return nil, false
	case now.Sub(entry.cachedAt) >= c.ttl, entry.key.IsExpired(now):
		c.remove(token, entry.key, EvictTTL)
		return nil, false
	}
	return entry.key, true
}

// insert caches key for token. The store flags a key revoked before its
// revocation hooks purge the cache, so a key still unflagged here is purged
// later by its own revoke.
func (c *ValidationCache) insert(token string, key *APIKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key.Revoked() {
		return
	}

	if elem, ok := c.entries[token]; ok {
		c.order.Remove(elem)
		delete(c.entries, token)
	}

	for c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		c.removeElementLocked(oldest)
		c.metrics.RecordEviction(EvictCapacity)
	}

	c.entries[token] = c.order.PushBack(&cacheEntry{
		token:    token,
		key:      key,
		cachedAt: c.now(),
	})
}

// remove deletes the entry for token if it still holds key.
func (c *ValidationCache) remove(token string, key *APIKey, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[token]
	if !ok || elem.Value.(*cacheEntry).key != key {
		return
	}
	c.removeElementLocked(elem)
	c.metrics.RecordEviction(reason)
}

func (c *ValidationCache) removeElementLocked(elem *list.Element) {
	entry := c.order.Remove(elem).(*cacheEntry)
	delete(c.entries, entry.token)
}

// Purge drops the entry for the token.
func (c *ValidationCache) Purge(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[token]; ok {
		c.removeElementLocked(elem)
		c.metrics.RecordEviction(EvictPurge)
	}
}

// Clear drops every entry.
func (c *ValidationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of entries, stale ones included.
func (c *ValidationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cleanup removes stale entries and returns how many were dropped.
func (c *ValidationCache) Cleanup() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*cacheEntry)
		if now.Sub(entry.cachedAt) >= c.ttl || entry.key.IsExpired(now) || entry.key.Revoked() {
			c.removeElementLocked(elem)
			c.metrics.RecordEviction(EvictTTL)
			removed++
		}
		elem = next
	}
	return removed
}

// Close stops the janitor.
func (c *ValidationCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

func (c *ValidationCache) cleanupLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("validation cache cleanup",
					observability.Int("removed", n))
			}
		case <-c.stopCh:
			return
		}
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	if errors.Is(err, ErrRateLimited) {
		span.SetAttributes(attribute.Bool("apikey.rate_limited", true))
		return
	}
	span.SetStatus(codes.Error, err.Error())
}
