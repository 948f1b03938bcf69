package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/astraguard/keygate/internal/observability"
)

// ErrBreakerOpen is returned while the breaker rejects calls to a failing
// backend.
var ErrBreakerOpen = errors.New("storage circuit breaker open")

// BreakerConfig configures the storage circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval is the closed-state period after which counts reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open.
	Timeout time.Duration

	// MinRequests before the failure ratio is evaluated.
	MinRequests uint32

	// FailureRatio at or above which the breaker trips.
	FailureRatio float64
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.5,
	}
}

// Breaker wraps a Backend with a gobreaker circuit breaker.
type Breaker struct {
	next   Backend
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// Ensure Breaker implements Backend.
var _ Backend = (*Breaker)(nil)

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(name string, next Backend, cfg *BreakerConfig, logger observability.Logger) *Breaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	b := &Breaker{next: next, logger: logger}

	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 1
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("storage circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return b
}

// LoadAll loads through the breaker.
func (b *Breaker) LoadAll(ctx context.Context) ([]Record, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.LoadAll(ctx)
	})
	if err != nil {
		return nil, b.translate(err)
	}
	records, _ := out.([]Record)
	return records, nil
}

// SaveAll saves through the breaker.
func (b *Breaker) SaveAll(ctx context.Context, records []Record) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.SaveAll(ctx, records)
	})
	return b.translate(err)
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Close closes the wrapped backend.
func (b *Breaker) Close() error {
	return b.next.Close()
}

func (b *Breaker) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	}
	return err
}
