package storage

import (
	"context"
	"fmt"

	"github.com/astraguard/keygate/internal/observability"
)

// New creates the backend selected by cfg.Type, wrapped in a Breaker when
// cfg.Breaker is set. An empty type selects the memory backend.
func New(ctx context.Context, cfg Config, logger observability.Logger) (Backend, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	var (
		backend Backend
		err     error
	)

	switch cfg.Type {
	case TypeMemory, "":
		backend = NewMemoryBackend()
	case TypeFile:
		backend, err = NewFileBackend(cfg.Path)
	case TypeSQLite:
		backend, err = NewSQLiteBackendWithConfig(SQLiteBackendConfig{
			DBPath:      cfg.Path,
			BusyTimeout: cfg.BusyTimeout,
		})
	case TypeRedis:
		backend, err = DialRedisBackend(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("storage backend created",
		observability.String("type", cfg.Type),
		observability.Bool("breaker", cfg.Breaker != nil),
	)

	if cfg.Breaker != nil {
		backend = NewBreaker("storage-"+cfg.Type, backend, cfg.Breaker, logger)
	}
	return backend, nil
}
