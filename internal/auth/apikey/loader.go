package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/secrets"
)

// DefaultSecretName is the secret holding the bulk import list.
const DefaultSecretName = "api_keys"

// Import entry and pair separators.
const (
	entrySeparator = ","
	pairSeparator  = ":"
)

// Skip reasons.
const (
	ReasonMissingSeparator = "missing separator"
	ReasonExtraSeparator   = "more than one separator"
	ReasonEmptyName        = "empty name"
	ReasonEmptyToken       = "empty key"
)

// Skipped describes an import entry that was not accepted.
type Skipped struct {
	// Index is the position of the entry in the comma separated input.
	Index int

	// Reason says why the entry was rejected.
	Reason string

	// Preview is the masked entry, safe to log.
	Preview string
}

// Err returns the skip as an ErrMalformed error.
func (s Skipped) Err() error {
	return fmt.Errorf("%w: entry %d: %s", ErrMalformed, s.Index, s.Reason)
}

// BatchReport is the per-entry outcome of a bulk import.
type BatchReport struct {
	// Accepted is the number of well formed entries.
	Accepted int

	// Created is the number of accepted entries that became new keys.
	Created int

	// Existing is the number of accepted entries already in the store.
	Existing int

	// Revoked is the number of accepted entries revoked earlier.
	Revoked int

	// Skipped lists the malformed entries.
	Skipped []Skipped
}

// Parse splits "name:key,..." input into pairs. Empty segments are ignored
// and malformed ones are reported, never returned as errors.
func Parse(input string) ([]Pair, []Skipped) {
	var (
		pairs   []Pair
		skipped []Skipped
	)

	for i, segment := range strings.Split(input, entrySeparator) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		parts := strings.Split(segment, pairSeparator)
		reason := ""
		switch {
		case len(parts) < 2:
			reason = ReasonMissingSeparator
		case len(parts) > 2:
			reason = ReasonExtraSeparator
		case strings.TrimSpace(parts[0]) == "":
			reason = ReasonEmptyName
		case strings.TrimSpace(parts[1]) == "":
			reason = ReasonEmptyToken
		}

		if reason != "" {
			skipped = append(skipped, Skipped{
				Index:   i,
				Reason:  reason,
				Preview: secrets.Mask(segment, secrets.DefaultVisibleChars),
			})
			continue
		}

		pairs = append(pairs, Pair{
			Name:  strings.TrimSpace(parts[0]),
			Token: strings.TrimSpace(parts[1]),
		})
	}

	return pairs, skipped
}

// BulkLoader imports keys from a comma separated list into the key store.
type BulkLoader struct {
	store   *KeyStore
	logger  observability.Logger
	metrics *Metrics
}

// LoaderOption is a functional option for the bulk loader.
type LoaderOption func(*BulkLoader)

// WithLoaderLogger sets the logger for the loader.
func WithLoaderLogger(logger observability.Logger) LoaderOption {
	return func(l *BulkLoader) {
		l.logger = logger
	}
}

// WithLoaderMetrics sets the metrics for the loader.
func WithLoaderMetrics(metrics *Metrics) LoaderOption {
	return func(l *BulkLoader) {
		l.metrics = metrics
	}
}

// NewBulkLoader creates a loader writing to the store.
func NewBulkLoader(store *KeyStore, opts ...LoaderOption) *BulkLoader {
	l := &BulkLoader{
		store:  store,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.metrics == nil {
		l.metrics = NewMetrics("keygate")
	}

	return l
}

// Load parses the input and imports the well formed entries. Loading the
// same input twice creates nothing the second time.
func (l *BulkLoader) Load(ctx context.Context, input string) *BatchReport {
	pairs, skipped := Parse(input)

	for _, s := range skipped {
		l.logger.Warn("skipping malformed API key entry",
			observability.Int("index", s.Index),
			observability.String("reason", s.Reason),
			observability.String("entry", s.Preview),
		)
	}
	l.metrics.RecordImport("skipped", len(skipped))

	result := l.store.BulkLoad(ctx, pairs)

	report := &BatchReport{
		Accepted: len(pairs) - result.Skipped,
		Created:  result.Created,
		Existing: result.Existing,
		Revoked:  result.Revoked,
		Skipped:  skipped,
	}

	l.logger.Info("API keys initialized",
		observability.Int("accepted", report.Accepted),
		observability.Int("created", report.Created),
		observability.Int("existing", report.Existing),
		observability.Int("revoked", report.Revoked),
		observability.Int("skipped", len(report.Skipped)),
		observability.Int("total", l.store.Count()),
	)

	return report
}

// LoadFromSecret reads the import list from a secrets provider. A missing
// secret yields an empty report.
func (l *BulkLoader) LoadFromSecret(ctx context.Context, provider secrets.Provider, name string) (*BatchReport, error) {
	if name == "" {
		name = DefaultSecretName
	}

	input, err := provider.GetSecret(ctx, name)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			l.logger.Info("no API keys to import",
				observability.String("secret", name),
				observability.String("provider", string(provider.Type())),
			)
			return &BatchReport{}, nil
		}
		return nil, fmt.Errorf("failed to read API keys from %s: %w", name, err)
	}

	return l.Load(ctx, input), nil
}
