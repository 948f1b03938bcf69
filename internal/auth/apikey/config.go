package apikey

import (
	"errors"
	"fmt"
	"time"
)

// DefaultHeader is the request header carrying the API key.
const DefaultHeader = "X-API-Key"

// DefaultJanitorInterval is how often idle rate limit state is swept.
const DefaultJanitorInterval = time.Minute

// Config configures the API key service.
type Config struct {
	// HashAlgorithm is the token hash index algorithm.
	HashAlgorithm string

	// DefaultPermissions are granted to keys created without scopes and to
	// imported keys.
	DefaultPermissions []string

	// Header is the request header carrying the key.
	Header string

	// Cache configures the validation cache.
	Cache CacheConfig

	// Import configures the bulk import on start.
	Import ImportConfig

	// JanitorInterval is the period of the rate limit state sweep.
	JanitorInterval time.Duration
}

// CacheConfig configures the validation cache.
type CacheConfig struct {
	// Enabled turns the cache on.
	Enabled bool

	// TTL is how long a validation is reused.
	TTL time.Duration

	// MaxEntries bounds the cache. Zero means unbounded.
	MaxEntries int

	// CleanupInterval is the janitor period. Zero uses TTL.
	CleanupInterval time.Duration
}

// ImportConfig configures bulk import from a secrets provider.
type ImportConfig struct {
	// Enabled turns the import on.
	Enabled bool

	// SecretName is the secret holding the "name:key,..." list.
	SecretName string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		HashAlgorithm:      HashAlgSHA256,
		DefaultPermissions: append([]string(nil), defaultPermissions...),
		Header:             DefaultHeader,
		Cache: CacheConfig{
			Enabled: true,
			TTL:     DefaultCacheTTL,
		},
		Import: ImportConfig{
			Enabled:    true,
			SecretName: DefaultSecretName,
		},
		JanitorInterval: DefaultJanitorInterval,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := NewHasher(c.HashAlgorithm); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Enabled && c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache ttl must not be negative, got %s", c.Cache.TTL))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache maxEntries must not be negative, got %d", c.Cache.MaxEntries))
	}
	if c.JanitorInterval < 0 {
		errs = append(errs, fmt.Errorf("janitor interval must not be negative, got %s", c.JanitorInterval))
	}
	for _, p := range c.DefaultPermissions {
		if p == "" {
			errs = append(errs, errors.New("default permissions must not contain empty scopes"))
			break
		}
	}

	return errors.Join(errs...)
}
