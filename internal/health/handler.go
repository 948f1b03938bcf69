package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/astraguard/keygate/internal/observability"
)

// DefaultProbeTimeout bounds the checks of one readiness probe.
const DefaultProbeTimeout = 5 * time.Second

// Probe results.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Check is a named readiness check.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	name  string
	check func(ctx context.Context) error
}

// NewCheckFunc creates a named check from a function.
func NewCheckFunc(name string, check func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, check: check}
}

// Name returns the name of the check.
func (f *CheckFunc) Name() string {
	return f.name
}

// Check runs the check.
func (f *CheckFunc) Check(ctx context.Context) error {
	return f.check(ctx)
}

// Status is the body of a probe response.
type Status struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Handler serves the health probes.
type Handler struct {
	mu        sync.RWMutex
	checks    []Check
	timeout   time.Duration
	startTime time.Time
	logger    observability.Logger
	metrics   *Metrics
}

// Option is a functional option for the handler.
type Option func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics for the handler.
func WithMetrics(metrics *Metrics) Option {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithTimeout sets the readiness probe timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		h.timeout = timeout
	}
}

// NewHandler creates a health handler without checks.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		timeout:   DefaultProbeTimeout,
		startTime: time.Now(),
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.metrics == nil {
		h.metrics = NewMetrics("keygate")
	}

	return h
}

// AddCheck registers a readiness check.
func (h *Handler) AddCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// LivenessHandler answers while the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.metrics.RecordProbe("liveness")
		c.JSON(http.StatusOK, &Status{
			Status:    StatusOK,
			Timestamp: time.Now().UTC(),
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler runs the registered checks.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.metrics.RecordProbe("readiness")

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		status := h.runChecks(ctx)

		code := http.StatusOK
		if status.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// RegisterRoutes registers /healthz and /readyz.
func (h *Handler) RegisterRoutes(routes gin.IRoutes) {
	routes.GET("/healthz", h.LivenessHandler())
	routes.GET("/readyz", h.ReadinessHandler())
}

// runChecks runs all checks concurrently.
func (h *Handler) runChecks(ctx context.Context) *Status {
	h.mu.RLock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &Status{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:   StatusOK,
				Duration: duration.String(),
			}
			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()

				h.logger.Warn("health check failed",
					observability.String("check", c.Name()),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}
			h.metrics.SetCheckStatus(c.Name(), err == nil)

			mu.Lock()
			status.Checks[c.Name()] = result
			if err != nil {
				status.Status = StatusError
			}
			mu.Unlock()
		}(check)
	}

	wg.Wait()
	return status
}
