package authz

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains authorization metrics.
type Metrics struct {
	decisionTotal *prometheus.CounterVec
}

// NewMetrics creates new authorization metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "keygate"
	}

	return &Metrics{
		decisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authz",
				Name:      "decisions_total",
				Help:      "Total number of permission checks by permission and decision",
			},
			[]string{"permission", "decision"},
		),
	}
}

// RecordDecision records a permission check.
func (m *Metrics) RecordDecision(permission string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.decisionTotal.WithLabelValues(permission, decision).Inc()
}

// MustRegister registers the metrics with the given registry, ignoring
// collectors that are already registered.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	if err := registry.Register(m.decisionTotal); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
	}
}
