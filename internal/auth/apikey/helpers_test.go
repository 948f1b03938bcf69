package apikey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astraguard/keygate/internal/ratelimit"
	"github.com/astraguard/keygate/internal/secrets"
	"github.com/astraguard/keygate/internal/storage"
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

// countingLookup counts store lookups and can run a callback after each.
type countingLookup struct {
	store       *KeyStore
	lookups     atomic.Int32
	afterLookup func(token string)
}

func (c *countingLookup) Lookup(token string) (*APIKey, error) {
	c.lookups.Add(1)
	key, err := c.store.Lookup(token)
	if c.afterLookup != nil {
		c.afterLookup(token)
	}
	return key, err
}

func (c *countingLookup) Expire(ctx context.Context, token string) error {
	return c.store.Expire(ctx, token)
}

// recordingLimiter wraps a limiter and records calls.
type recordingLimiter struct {
	ratelimit.Limiter
	allows   atomic.Int32
	cleanups atomic.Int32
	closed   atomic.Bool

	mu     sync.Mutex
	keys   []string
	resets []string
}

func newRecordingLimiter(inner ratelimit.Limiter) *recordingLimiter {
	if inner == nil {
		inner = ratelimit.NewNoopLimiter()
	}
	return &recordingLimiter{Limiter: inner}
}

func (l *recordingLimiter) Allow(ctx context.Context, key string) (*ratelimit.Result, error) {
	l.allows.Add(1)
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return l.Limiter.Allow(ctx, key)
}

func (l *recordingLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	l.resets = append(l.resets, key)
	l.mu.Unlock()
	return l.Limiter.Reset(ctx, key)
}

func (l *recordingLimiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

func (l *recordingLimiter) Resets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.resets...)
}

func (l *recordingLimiter) Cleanup() {
	l.cleanups.Add(1)
}

func (l *recordingLimiter) Close() error {
	l.closed.Store(true)
	return nil
}

// failingLimiter always returns a backend error.
type failingLimiter struct {
	ratelimit.NoopLimiter
}

var errLimiterDown = errors.New("limiter down")

func (failingLimiter) Allow(context.Context, string) (*ratelimit.Result, error) {
	return nil, errLimiterDown
}

// failingBackend fails every storage call.
type failingBackend struct {
	saves atomic.Int32
}

var errDiskFull = errors.New("disk full")

func (b *failingBackend) LoadAll(context.Context) ([]storage.Record, error) {
	return nil, errDiskFull
}

func (b *failingBackend) SaveAll(context.Context, []storage.Record) error {
	b.saves.Add(1)
	return errDiskFull
}

func (b *failingBackend) Close() error { return nil }

// fakeProvider serves secrets from a map.
type fakeProvider struct {
	mu      sync.Mutex
	values  map[string]string
	err     error
	closed  bool
	fetches int
}

func (p *fakeProvider) Type() secrets.ProviderType { return secrets.ProviderTypeEnv }

func (p *fakeProvider) GetSecret(_ context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.err != nil {
		return "", p.err
	}
	v, ok := p.values[name]
	if !ok {
		return "", secrets.ErrSecretNotFound
	}
	return v, nil
}

func (p *fakeProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// constReader yields the same byte forever.
type constReader byte

func (r constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}
