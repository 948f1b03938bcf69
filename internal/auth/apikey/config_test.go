package apikey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultHeader, cfg.Header)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, DefaultSecretName, cfg.Import.SecretName)
	assert.Equal(t, []string{"read", "write"}, cfg.DefaultPermissions)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown hash",
			mutate:  func(c *Config) { c.HashAlgorithm = "bcrypt" },
			wantErr: "unsupported hash algorithm",
		},
		{
			name:    "negative ttl",
			mutate:  func(c *Config) { c.Cache.TTL = -time.Second },
			wantErr: "cache ttl",
		},
		{
			name:    "negative max entries",
			mutate:  func(c *Config) { c.Cache.MaxEntries = -1 },
			wantErr: "maxEntries",
		},
		{
			name:    "negative janitor",
			mutate:  func(c *Config) { c.JanitorInterval = -time.Second },
			wantErr: "janitor",
		},
		{
			name:    "empty scope",
			mutate:  func(c *Config) { c.DefaultPermissions = []string{"read", ""} },
			wantErr: "empty scopes",
		},
		{
			name:   "sha3",
			mutate: func(c *Config) { c.HashAlgorithm = HashAlgSHA3256 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
