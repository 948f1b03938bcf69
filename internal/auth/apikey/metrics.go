package apikey

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Validation outcomes.
const (
	OutcomeSuccess         = "success"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeExpired         = "expired"
	OutcomeRateLimited     = "rate_limited"
	OutcomeError           = "error"
)

// Cache eviction reasons.
const (
	EvictTTL         = "ttl"
	EvictCapacity    = "capacity"
	EvictPurge       = "purge"
	EvictRateLimited = "rate_limited"
)

// Metrics holds Prometheus metrics for API key operations.
type Metrics struct {
	validationTotal     *prometheus.CounterVec
	validationDuration  *prometheus.HistogramVec
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	cacheEvictions      *prometheus.CounterVec
	keys                prometheus.Gauge
	revocations         *prometheus.CounterVec
	importEntries       *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "keygate"
	}

	m := &Metrics{}

	m.validationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "validations_total",
			Help:      "Total number of API key validations by outcome",
		},
		[]string{"outcome"},
	)

	m.validationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "validation_duration_seconds",
			Help:      "API key validation duration in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"outcome"},
	)

	m.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "cache_hits_total",
			Help:      "Total number of validation cache hits",
		},
	)

	m.cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "cache_misses_total",
			Help:      "Total number of validation cache misses",
		},
	)

	m.cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "cache_evictions_total",
			Help:      "Total number of validation cache evictions by reason",
		},
		[]string{"reason"},
	)

	m.keys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "keys",
			Help:      "Number of live API keys in the store",
		},
	)

	m.revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "revocations_total",
			Help:      "Total number of keys removed from the store by reason",
		},
		[]string{"reason"},
	)

	m.importEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "import_entries_total",
			Help:      "Total number of bulk import entries by result",
		},
		[]string{"result"},
	)

	m.persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "persistence_failures_total",
			Help:      "Total number of failed storage writes and reads",
		},
		[]string{"operation"},
	)

	return m
}

// Init pre-populates label combinations so series appear at startup.
func (m *Metrics) Init() {
	for _, outcome := range []string{
		OutcomeSuccess, OutcomeUnauthenticated, OutcomeExpired, OutcomeRateLimited, OutcomeError,
	} {
		m.validationTotal.WithLabelValues(outcome)
		m.validationDuration.WithLabelValues(outcome)
	}
	for _, reason := range []string{EvictTTL, EvictCapacity, EvictPurge, EvictRateLimited} {
		m.cacheEvictions.WithLabelValues(reason)
	}
	for _, reason := range []string{"revoked", "expired"} {
		m.revocations.WithLabelValues(reason)
	}
	for _, result := range []string{"created", "existing", "revoked", "skipped"} {
		m.importEntries.WithLabelValues(result)
	}
	for _, op := range []string{"save", "load"} {
		m.persistenceFailures.WithLabelValues(op)
	}
}

// RecordValidation records a validation outcome and its duration.
func (m *Metrics) RecordValidation(outcome string, duration time.Duration) {
	m.validationTotal.WithLabelValues(outcome).Inc()
	m.validationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// RecordEviction records a cache eviction.
func (m *Metrics) RecordEviction(reason string) {
	m.cacheEvictions.WithLabelValues(reason).Inc()
}

// SetKeys sets the live key gauge.
func (m *Metrics) SetKeys(n int) {
	m.keys.Set(float64(n))
}

// RecordRevocation records a key leaving the store.
func (m *Metrics) RecordRevocation(reason string) {
	m.revocations.WithLabelValues(reason).Inc()
}

// RecordImport adds n entries with the given result.
func (m *Metrics) RecordImport(result string, n int) {
	if n > 0 {
		m.importEntries.WithLabelValues(result).Add(float64(n))
	}
}

// RecordPersistenceFailure records a failed storage operation.
func (m *Metrics) RecordPersistenceFailure(operation string) {
	m.persistenceFailures.WithLabelValues(operation).Inc()
}

// MustRegister registers the metrics with the given registry, ignoring
// collectors that are already registered.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	collectors := []prometheus.Collector{
		m.validationTotal,
		m.validationDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.keys,
		m.revocations,
		m.importEntries,
		m.persistenceFailures,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
