package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
	}{
		{
			name:     "empty address",
			mutate:   func(c *Config) { c.Server.Address = "" },
			wantPath: "server.address",
		},
		{
			name:     "unknown log level",
			mutate:   func(c *Config) { c.Logging.Level = "verbose" },
			wantPath: "logging.level",
		},
		{
			name:     "sampling rate out of range",
			mutate:   func(c *Config) { c.Tracing.SamplingRate = 2 },
			wantPath: "tracing.samplingRate",
		},
		{
			name:     "unknown hash",
			mutate:   func(c *Config) { c.APIKeys.HashAlgorithm = "md5" },
			wantPath: "apiKeys",
		},
		{
			name:     "watch without file provider",
			mutate:   func(c *Config) { c.APIKeys.Import.Watch = true },
			wantPath: "apiKeys.import.watch",
		},
		{
			name:     "zero requests",
			mutate:   func(c *Config) { c.RateLimit.Requests = 0 },
			wantPath: "rateLimit",
		},
		{
			name: "redis limiter without address",
			mutate: func(c *Config) {
				c.RateLimit.Store = "redis"
			},
			wantPath: "rateLimit.redis.address",
		},
		{
			name:     "file storage without path",
			mutate:   func(c *Config) { c.Storage.Type = "file" },
			wantPath: "storage.path",
		},
		{
			name:     "unknown storage",
			mutate:   func(c *Config) { c.Storage.Type = "etcd" },
			wantPath: "storage.type",
		},
		{
			name:     "breaker ratio",
			mutate:   func(c *Config) { c.Storage.Breaker = &BreakerConfig{FailureRatio: 1.5} },
			wantPath: "storage.breaker.failureRatio",
		},
		{
			name:     "unknown provider",
			mutate:   func(c *Config) { c.Secrets.Provider = "aws" },
			wantPath: "secrets.provider",
		},
		{
			name:     "vault without address",
			mutate:   func(c *Config) { c.Secrets.Provider = "vault" },
			wantPath: "secrets.vault.address",
		},
		{
			name:     "empty implied permission",
			mutate:   func(c *Config) { c.Authorization.Implications = map[string][]string{"admin": {""}} },
			wantPath: "authorization.implications.admin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			var paths []string
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}
}

func TestValidateConfig_Aggregates(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Server.Address = ""
	cfg.Storage.Type = "etcd"

	err := ValidateConfig(cfg)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 2)
	assert.Contains(t, err.Error(), "2 validation errors")
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()

	assert.EqualError(t, ValidateConfig(nil), "configuration is nil")
}
