package apikey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/ratelimit"
	"github.com/astraguard/keygate/internal/secrets"
	"github.com/astraguard/keygate/internal/storage"
)

// ErrServiceStarted is returned by Start on a running service.
var ErrServiceStarted = errors.New("API key service already started")

// Service wires the key store, rate limiter, validator, validation cache and
// bulk loader, and owns their lifecycle.
type Service struct {
	cfg       *Config
	store     *KeyStore
	limiter   ratelimit.Limiter
	validator *Validator
	cache     *ValidationCache
	loader    *BulkLoader
	extractor Extractor

	backend  storage.Backend
	provider secrets.Provider
	now      func() time.Time
	logger   observability.Logger
	metrics  *Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ServiceOption is a functional option for the service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger for the service and its components.
func WithServiceLogger(logger observability.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceMetrics sets the metrics shared by the service components.
func WithServiceMetrics(metrics *Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithStorage sets the storage backend of the key store. The service closes
// it on Shutdown.
func WithStorage(backend storage.Backend) ServiceOption {
	return func(s *Service) {
		s.backend = backend
	}
}

// WithSecretsProvider sets the provider the bulk import reads from. The
// service closes it on Shutdown.
func WithSecretsProvider(provider secrets.Provider) ServiceOption {
	return func(s *Service) {
		s.provider = provider
	}
}

// WithServiceClock sets the clock used by the store, validator and cache.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService builds the service. A nil config uses DefaultConfig and a nil
// limiter allows every request.
func NewService(cfg *Config, limiter ratelimit.Limiter, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid API key config: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		limiter: limiter,
		now:     time.Now,
		logger:  observability.NopLogger(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.limiter == nil {
		s.limiter = ratelimit.NewNoopLimiter()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("keygate")
	}

	hasher, err := NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	s.store = NewKeyStore(
		WithBackend(s.backend),
		WithHasher(hasher),
		WithDefaultPermissions(cfg.DefaultPermissions),
		WithStoreClock(s.now),
		WithStoreLogger(s.logger),
		WithStoreMetrics(s.metrics),
	)

	s.validator = NewValidator(s.store, s.limiter,
		WithValidatorClock(s.now),
		WithValidatorLogger(s.logger),
		WithValidatorMetrics(s.metrics),
	)

	if cfg.Cache.Enabled {
		cacheOpts := []CacheOption{
			WithTTL(cfg.Cache.TTL),
			WithMaxEntries(cfg.Cache.MaxEntries),
			WithCacheClock(s.now),
			WithCacheLogger(s.logger),
			WithCacheMetrics(s.metrics),
		}
		if cfg.Cache.CleanupInterval > 0 {
			cacheOpts = append(cacheOpts, WithCleanupInterval(cfg.Cache.CleanupInterval))
		}
		s.cache = NewValidationCache(s.validator, cacheOpts...)
	}

	s.loader = NewBulkLoader(s.store,
		WithLoaderLogger(s.logger),
		WithLoaderMetrics(s.metrics),
	)
	s.extractor = DefaultExtractor(cfg.Header)

	s.store.OnRevoke(s.onRevoke)

	return s, nil
}

// onRevoke drops every trace of the key from the cache and the limiter.
func (s *Service) onRevoke(ctx context.Context, key *APIKey) {
	if s.cache != nil {
		s.cache.Purge(key.Token)
	}
	if err := s.limiter.Reset(ctx, key.Hash); err != nil {
		s.logger.Warn("failed to reset rate limit state",
			observability.String("key_id", key.ID),
			observability.Error(err))
	}
}

// Start loads stored keys, runs the bulk import and starts the janitor.
// Storage read failures are logged and the service starts empty.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServiceStarted
	}
	s.started = true
	s.mu.Unlock()

	if _, err := s.store.LoadAll(ctx); err != nil {
		s.logger.Error("failed to load API keys from storage", observability.Error(err))
	}

	if s.cfg.Import.Enabled && s.provider != nil {
		if _, err := s.Reload(ctx); err != nil {
			s.resetStarted()
			return err
		}
	}

	if s.cfg.JanitorInterval > 0 {
		go s.janitor(s.cfg.JanitorInterval)
	} else {
		close(s.doneCh)
	}

	s.logger.Info("API key service started",
		observability.Int("keys", s.store.Count()),
		observability.Bool("cache", s.cache != nil),
	)
	return nil
}

// Reload runs the bulk import from the secrets provider again. It is
// idempotent.
func (s *Service) Reload(ctx context.Context) (*BatchReport, error) {
	if s.provider == nil {
		return &BatchReport{}, nil
	}
	return s.loader.LoadFromSecret(ctx, s.provider, s.cfg.Import.SecretName)
}

// Import loads a "name:key,..." list directly.
func (s *Service) Import(ctx context.Context, input string) *BatchReport {
	return s.loader.Load(ctx, input)
}

// Authenticate validates the token through the cache when enabled.
func (s *Service) Authenticate(ctx context.Context, token string) (*APIKey, error) {
	if s.cache != nil {
		return s.cache.GetOrValidate(ctx, token)
	}
	return s.validator.Validate(ctx, token)
}

// Ready reports whether the service has started and is not shut down.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Store returns the key store.
func (s *Service) Store() *KeyStore {
	return s.store
}

// Cache returns the validation cache, nil when disabled.
func (s *Service) Cache() *ValidationCache {
	return s.cache
}

// Extractor returns the request token extractor.
func (s *Service) Extractor() Extractor {
	return s.extractor
}

// Shutdown stops the janitors and closes the limiter, storage and secrets
// provider.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		select {
		case <-s.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.cache != nil {
		s.cache.Close()
	}

	var errs []error
	if closer, ok := s.limiter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rate limiter: %w", err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close secrets provider: %w", err))
		}
	}

	s.logger.Info("API key service stopped")
	return errors.Join(errs...)
}

func (s *Service) resetStarted() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *Service) janitor(interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cleaner, ok := s.limiter.(ratelimit.Cleaner); ok {
				cleaner.Cleanup()
			}
		case <-s.stopCh:
			return
		}
	}
}
