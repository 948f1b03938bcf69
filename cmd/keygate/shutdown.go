package main

import (
	"context"
	"errors"
	"time"

	"github.com/astraguard/keygate/internal/observability"
)

// shutdownWithTimeout runs shutdown bounded by timeout.
func (a *application) shutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.shutdown(ctx)
}

// shutdown stops the components in reverse start order. The server drains
// before the key service closes the limiter, storage and secrets provider.
func (a *application) shutdown(ctx context.Context) error {
	var errs []error

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Error("failed to stop import watcher", observability.Error(err))
			errs = append(errs, err)
		}
	}

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("failed to stop HTTP server gracefully", observability.Error(err))
		errs = append(errs, err)
	}

	if err := a.service.Shutdown(ctx); err != nil {
		a.logger.Error("failed to stop API key service", observability.Error(err))
		errs = append(errs, err)
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
		errs = append(errs, err)
	}

	a.logger.Info("keygate stopped")
	return errors.Join(errs...)
}
