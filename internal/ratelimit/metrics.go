package ratelimit

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for rate limit decisions.
type Metrics struct {
	decisions *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "keygate"
	}

	return &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions",
			},
			[]string{"algorithm", "result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "errors_total",
				Help:      "Total number of rate limit backend errors",
			},
			[]string{"store"},
		),
	}
}

// Init pre-populates label combinations so series appear at startup.
func (m *Metrics) Init() {
	for _, algorithm := range []Algorithm{AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket} {
		for _, result := range []string{"allowed", "denied"} {
			m.decisions.WithLabelValues(string(algorithm), result)
		}
	}
	m.errors.WithLabelValues("redis")
}

// RecordDecision records one allow/deny decision.
func (m *Metrics) RecordDecision(algorithm string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.decisions.WithLabelValues(algorithm, result).Inc()
}

// RecordError records a backend error.
func (m *Metrics) RecordError(store string) {
	m.errors.WithLabelValues(store).Inc()
}

// MustRegister registers the metrics with the given registry, ignoring
// collectors that are already registered.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	for _, c := range []prometheus.Collector{m.decisions, m.errors} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
