package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/astraguard/keygate/internal/auth/apikey"
	"github.com/astraguard/keygate/internal/authz"
	"github.com/astraguard/keygate/internal/health"
	"github.com/astraguard/keygate/internal/observability"
)

// Config configures the HTTP server.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadPermission  string
	AdminPermission string
}

// Server serves the keygate HTTP API.
type Server struct {
	cfg     Config
	svc     *apikey.Service
	gate    *authz.Gate
	engine  *gin.Engine
	handler http.Handler
	health  *health.Handler
	tracer  *observability.Tracer
	metrics *observability.Metrics
	logger  observability.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	doneCh   chan struct{}
}

// Option is a functional option for the server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the registry exposed on /metrics and the HTTP metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithTracer wraps the handler in a server span per request.
func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithHealth sets the health probe handler.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// New builds the server and its routes.
func New(cfg Config, svc *apikey.Service, gate *authz.Gate, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		gate:   gate,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = observability.NewMetrics("keygate")
	}
	if s.health == nil {
		s.health = health.NewHandler(health.WithLogger(s.logger))
	}
	if s.cfg.ReadPermission == "" {
		s.cfg.ReadPermission = "read"
	}
	if s.cfg.AdminPermission == "" {
		s.cfg.AdminPermission = "admin"
	}

	s.engine = s.routes()
	s.handler = s.engine
	if s.tracer != nil {
		s.handler = observability.TracingMiddleware(s.tracer)(s.engine)
	}

	return s
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), observe(s.metrics, s.logger))

	s.health.RegisterRoutes(engine)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := engine.Group("/v1", Authenticate(s.svc, s.logger))
	v1.GET("/whoami", RequirePermission(s.gate, s.cfg.ReadPermission), s.whoami)

	keys := v1.Group("/keys", RequirePermission(s.gate, s.cfg.AdminPermission))
	keys.GET("", s.listKeys)
	keys.POST("", s.createKey)
	keys.DELETE("/:id", s.revokeKey)

	return engine
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = ln
	s.doneCh = make(chan struct{})
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", observability.Error(err))
		}
	}(s.srv, s.doneCh)

	s.logger.Info("HTTP server listening", observability.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the listening address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.doneCh
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	<-done

	s.logger.Info("HTTP server stopped")
	return nil
}
