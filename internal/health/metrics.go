package health

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for health probes.
type Metrics struct {
	probesTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetrics creates new health metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "keygate"
	}

	return &Metrics{
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "probes_total",
				Help:      "Total number of health probes served",
			},
			[]string{"probe"},
		),
		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current readiness check status (1=healthy, 0=unhealthy)",
			},
			[]string{"check"},
		),
	}
}

// Init pre-initializes the probe labels so they appear in /metrics at startup.
func (m *Metrics) Init() {
	for _, probe := range []string{"liveness", "readiness"} {
		m.probesTotal.WithLabelValues(probe)
	}
}

// RecordProbe counts a served probe.
func (m *Metrics) RecordProbe(probe string) {
	m.probesTotal.WithLabelValues(probe).Inc()
}

// SetCheckStatus records the latest result of a check.
func (m *Metrics) SetCheckStatus(check string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.checkStatus.WithLabelValues(check).Set(v)
}

// MustRegister registers the metrics with the given registry, ignoring
// collectors that are already registered.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	for _, c := range []prometheus.Collector{m.probesTotal, m.checkStatus} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
