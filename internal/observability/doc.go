// Package observability provides logging, metrics, and tracing for keygate.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("key revoked",
//	    observability.String("key_id", key.ID),
//	)
//
// # Metrics
//
// Metrics owns the Prometheus registry served on /metrics. Component
// packages register their own collectors into it:
//
//	metrics := observability.NewMetrics("keygate")
//	apikeyMetrics.MustRegister(metrics.Registry())
//
// # Tracing
//
// OpenTelemetry tracing with optional OTLP gRPC export:
//
//	tracer, err := observability.NewTracer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(ctx)
package observability
