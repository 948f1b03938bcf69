package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/astraguard/keygate/internal/auth/apikey"
	"github.com/astraguard/keygate/internal/authz"
	"github.com/astraguard/keygate/internal/config"
	"github.com/astraguard/keygate/internal/health"
	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/ratelimit"
	"github.com/astraguard/keygate/internal/secrets"
	"github.com/astraguard/keygate/internal/server"
	"github.com/astraguard/keygate/internal/storage"
)

const metricsNamespace = "keygate"

// application holds all application components.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	service *apikey.Service
	gate    *authz.Gate
	health  *health.Handler
	server  *server.Server
	watcher *config.Watcher
}

// newApplication initializes all application components. Resources opened
// before a failure are released.
func newApplication(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (app *application, err error) {
	logger := observability.NewLoggerFromZap(zapLogger)

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	metrics := observability.NewMetrics(metricsNamespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)
	registry := metrics.Registry()

	tracer, err := observability.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	cleanup = append(cleanup, func() error { return tracer.Shutdown(context.Background()) })

	limiterMetrics := ratelimit.NewMetrics(metricsNamespace)
	limiterMetrics.Init()
	limiterMetrics.MustRegister(registry)
	limiter, err := ratelimit.New(ctx, cfg.RateLimiter(),
		ratelimit.WithLogger(zapLogger),
		ratelimit.WithMetrics(limiterMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	if closer, ok := limiter.(io.Closer); ok {
		cleanup = append(cleanup, closer.Close)
	}

	backend, err := storage.New(ctx, cfg.StorageBackend(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	cleanup = append(cleanup, backend.Close)

	provider, err := secrets.NewProvider(cfg.SecretsProvider(zapLogger))
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets provider: %w", err)
	}
	cleanup = append(cleanup, provider.Close)

	keyMetrics := apikey.NewMetrics(metricsNamespace)
	keyMetrics.Init()
	keyMetrics.MustRegister(registry)
	svc, err := apikey.NewService(cfg.APIKey(), limiter,
		apikey.WithServiceLogger(logger),
		apikey.WithServiceMetrics(keyMetrics),
		apikey.WithStorage(backend),
		apikey.WithSecretsProvider(provider),
	)
	if err != nil {
		return nil, err
	}

	gateMetrics := authz.NewMetrics(metricsNamespace)
	gateMetrics.MustRegister(registry)
	gate := authz.NewGate(
		authz.WithImplications(cfg.Authorization.Implications),
		authz.WithGateLogger(logger),
		authz.WithGateMetrics(gateMetrics),
	)

	healthMetrics := health.NewMetrics(metricsNamespace)
	healthMetrics.Init()
	healthMetrics.MustRegister(registry)
	probes := health.NewHandler(
		health.WithLogger(logger),
		health.WithMetrics(healthMetrics),
	)
	probes.AddCheck(health.NewCheckFunc("apikeys", func(context.Context) error {
		if !svc.Ready() {
			return errors.New("API key service not started")
		}
		return nil
	}))
	if breaker, ok := backend.(*storage.Breaker); ok {
		probes.AddCheck(health.NewCheckFunc("storage", func(context.Context) error {
			if breaker.State() == gobreaker.StateOpen {
				return storage.ErrBreakerOpen
			}
			return nil
		}))
	}

	srv := server.New(server.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
		ReadPermission:  cfg.Authorization.ReadPermission,
		AdminPermission: cfg.Authorization.AdminPermission,
	}, svc, gate,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithTracer(tracer),
		server.WithHealth(probes),
	)

	return &application{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		service: svc,
		gate:    gate,
		health:  probes,
		server:  srv,
	}, nil
}

// start loads the keys, starts the HTTP server and, for a file backed
// import, the import file watcher.
func (a *application) start(ctx context.Context) error {
	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API key service: %w", err)
	}

	if err := a.server.Start(); err != nil {
		return err
	}

	watcher, err := a.startImportWatcher(ctx)
	if err != nil {
		return err
	}
	a.watcher = watcher
	return nil
}

// startImportWatcher reloads the bulk import whenever the import file
// changes. It returns nil when the import is not watched.
func (a *application) startImportWatcher(ctx context.Context) (*config.Watcher, error) {
	path, ok := a.cfg.ImportFile()
	if !ok {
		return nil, nil
	}

	reload := func(ctx context.Context) {
		report, err := a.service.Reload(ctx)
		if err != nil {
			a.logger.Error("failed to reload API keys", observability.Error(err))
			return
		}
		a.logger.Info("API keys reloaded",
			observability.Int("created", report.Created),
			observability.Int("existing", report.Existing),
			observability.Int("skipped", len(report.Skipped)),
		)
	}

	watcher, err := config.NewWatcher(path, reload,
		config.WithLogger(a.logger),
		config.WithErrorCallback(func(err error) {
			a.logger.Warn("API key import watcher error", observability.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create import watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Stop()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return watcher, nil
}
