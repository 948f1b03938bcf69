package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/ratelimit"
	"github.com/astraguard/keygate/internal/secrets"
)

// KeyLookup is the part of the KeyStore the Validator needs.
type KeyLookup interface {
	// Lookup returns the live key for the token or ErrNotFound.
	Lookup(token string) (*APIKey, error)

	// Expire removes a key found past its expiry.
	Expire(ctx context.Context, token string) error
}

// Ensure KeyStore implements KeyLookup.
var _ KeyLookup = (*KeyStore)(nil)

// Validator checks a token against the key store, its expiry and the rate
// limiter. It fails closed.
type Validator struct {
	keys    KeyLookup
	limiter ratelimit.Limiter
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithValidatorMetrics sets the metrics for the validator.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = metrics
	}
}

// WithValidatorClock sets the clock used for expiry checks.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a validator. A nil limiter allows every request.
func NewValidator(keys KeyLookup, limiter ratelimit.Limiter, opts ...ValidatorOption) *Validator {
	v := &Validator{
		keys:    keys,
		limiter: limiter,
		now:     time.Now,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.limiter == nil {
		v.limiter = ratelimit.NewNoopLimiter()
	}
	if v.metrics == nil {
		v.metrics = NewMetrics("keygate")
	}

	return v
}

// Validate returns the key for the token if it is live, unexpired and under
// its quota.
func (v *Validator) Validate(ctx context.Context, token string) (*APIKey, error) {
	start := time.Now()

	if token == "" {
		v.metrics.RecordValidation(OutcomeUnauthenticated, time.Since(start))
		return nil, ErrUnauthenticated
	}

	key, err := v.keys.Lookup(token)
	if err != nil {
		v.metrics.RecordValidation(OutcomeUnauthenticated, time.Since(start))
		v.logger.Debug("API key lookup failed",
			observability.String("token", secrets.Mask(token, secrets.DefaultVisibleChars)))
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	now := v.now()
	if key.IsExpired(now) {
		if err := v.keys.Expire(ctx, token); err != nil {
			v.logger.Warn("failed to expire API key",
				observability.String("key_id", key.ID),
				observability.Error(err))
		}
		v.metrics.RecordValidation(OutcomeExpired, time.Since(start))
		return nil, ErrExpired
	}

	if err := v.checkRate(ctx, key, start); err != nil {
		return nil, err
	}

	key.recordUse(now)
	v.metrics.RecordValidation(OutcomeSuccess, time.Since(start))
	return key, nil
}

// CheckRate consults the rate limiter for an already validated key.
func (v *Validator) CheckRate(ctx context.Context, key *APIKey) error {
	start := time.Now()
	if err := v.checkRate(ctx, key, start); err != nil {
		return err
	}
	key.recordUse(v.now())
	v.metrics.RecordValidation(OutcomeSuccess, time.Since(start))
	return nil
}

func (v *Validator) checkRate(ctx context.Context, key *APIKey, start time.Time) error {
	result, err := v.limiter.Allow(ctx, key.Hash)
	if err != nil {
		v.metrics.RecordValidation(OutcomeError, time.Since(start))
		v.logger.Error("rate limiter unavailable, rejecting request",
			observability.String("key_id", key.ID),
			observability.Error(err))
		return fmt.Errorf("%w: rate limit check failed: %w", ErrUnauthenticated, err)
	}
	if !result.Allowed {
		v.metrics.RecordValidation(OutcomeRateLimited, time.Since(start))
		return &RateLimitError{
			KeyID:      key.ID,
			Limit:      result.Limit,
			RetryAfter: result.RetryAfter,
		}
	}
	return nil
}

// IsAuthError reports whether err is one of the request-level validation
// errors rather than an internal failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrRateLimited)
}
