package config

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/astraguard/keygate/internal/auth/apikey"
	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/ratelimit"
	"github.com/astraguard/keygate/internal/secrets"
	"github.com/astraguard/keygate/internal/storage"
)

// Server defaults.
const (
	DefaultAddress         = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
)

// Authorization defaults.
const (
	DefaultReadPermission  = "read"
	DefaultAdminPermission = "admin"
)

// Config is the root keygate configuration.
type Config struct {
	Server        ServerConfig               `yaml:"server" json:"server"`
	Logging       observability.LogConfig    `yaml:"logging" json:"logging"`
	Tracing       observability.TracerConfig `yaml:"tracing" json:"tracing"`
	APIKeys       APIKeysConfig              `yaml:"apiKeys" json:"apiKeys"`
	RateLimit     RateLimitConfig            `yaml:"rateLimit" json:"rateLimit"`
	Storage       StorageConfig              `yaml:"storage" json:"storage"`
	Secrets       SecretsConfig              `yaml:"secrets" json:"secrets"`
	Authorization AuthorizationConfig        `yaml:"authorization" json:"authorization"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// APIKeysConfig configures key validation.
type APIKeysConfig struct {
	// HashAlgorithm is sha256, sha512 or sha3-256.
	HashAlgorithm string `yaml:"hashAlgorithm" json:"hashAlgorithm"`

	// DefaultPermissions are granted to keys created without scopes.
	DefaultPermissions []string `yaml:"defaultPermissions" json:"defaultPermissions"`

	// Header carries the key. Authorization: Bearer is always accepted.
	Header string `yaml:"header" json:"header"`

	Cache  KeyCacheConfig  `yaml:"cache" json:"cache"`
	Import KeyImportConfig `yaml:"import" json:"import"`

	// JanitorInterval is the rate limit state sweep period. Zero disables it.
	JanitorInterval Duration `yaml:"janitorInterval" json:"janitorInterval"`
}

// KeyCacheConfig configures the validation cache.
type KeyCacheConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	TTL             Duration `yaml:"ttl" json:"ttl"`
	MaxEntries      int      `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`
	CleanupInterval Duration `yaml:"cleanupInterval,omitempty" json:"cleanupInterval,omitempty"`
}

// KeyImportConfig configures the bulk import from the secrets provider.
type KeyImportConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	SecretName string `yaml:"secretName" json:"secretName"`

	// Watch re-runs the import when the secret file changes. It applies to
	// the file secrets provider only.
	Watch bool `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// RateLimitConfig configures per-key request quotas.
type RateLimitConfig struct {
	// Algorithm is fixed_window, sliding_window or token_bucket.
	Algorithm string   `yaml:"algorithm" json:"algorithm"`
	Requests  int      `yaml:"requests" json:"requests"`
	Window    Duration `yaml:"window" json:"window"`

	// Store is memory or redis.
	Store string           `yaml:"store" json:"store"`
	Redis RedisStoreConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisStoreConfig holds redis connection settings.
type RedisStoreConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`

	// Prefix namespaces rate limit keys. Key names the storage hash.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Key    string `yaml:"key,omitempty" json:"key,omitempty"`
}

// StorageConfig configures key persistence.
type StorageConfig struct {
	// Type is memory, file, sqlite or redis.
	Type        string           `yaml:"type" json:"type"`
	Path        string           `yaml:"path,omitempty" json:"path,omitempty"`
	BusyTimeout Duration         `yaml:"busyTimeout,omitempty" json:"busyTimeout,omitempty"`
	Redis       RedisStoreConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
	Breaker     *BreakerConfig   `yaml:"breaker,omitempty" json:"breaker,omitempty"`
}

// BreakerConfig configures the storage circuit breaker. Zero fields take the
// storage package defaults.
type BreakerConfig struct {
	MaxRequests  uint32   `yaml:"maxRequests,omitempty" json:"maxRequests,omitempty"`
	Interval     Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MinRequests  uint32   `yaml:"minRequests,omitempty" json:"minRequests,omitempty"`
	FailureRatio float64  `yaml:"failureRatio,omitempty" json:"failureRatio,omitempty"`
}

// SecretsConfig selects the secrets provider used by the key import.
type SecretsConfig struct {
	// Provider is env, file or vault.
	Provider     string       `yaml:"provider" json:"provider"`
	EnvPrefix    string       `yaml:"envPrefix,omitempty" json:"envPrefix,omitempty"`
	FileBasePath string       `yaml:"fileBasePath,omitempty" json:"fileBasePath,omitempty"`
	Vault        *VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultConfig holds Vault KV v2 settings.
type VaultConfig struct {
	Address    string   `yaml:"address" json:"address"`
	Token      string   `yaml:"token" json:"-"`
	Namespace  string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	MountPath  string   `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`
	SecretPath string   `yaml:"secretPath,omitempty" json:"secretPath,omitempty"`
	Timeout    Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries int      `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// AuthorizationConfig configures permission checks.
type AuthorizationConfig struct {
	// Implications maps a permission to the permissions it grants.
	Implications map[string][]string `yaml:"implications,omitempty" json:"implications,omitempty"`

	// ReadPermission guards the whoami endpoint.
	ReadPermission string `yaml:"readPermission" json:"readPermission"`

	// AdminPermission guards the key management endpoints.
	AdminPermission string `yaml:"adminPermission" json:"adminPermission"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	keys := apikey.DefaultConfig()
	limits := ratelimit.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			ReadTimeout:     Duration(DefaultReadTimeout),
			WriteTimeout:    Duration(DefaultWriteTimeout),
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
		},
		Logging: observability.DefaultLogConfig(),
		Tracing: observability.TracerConfig{
			ServiceName:  observability.DefaultServiceName,
			SamplingRate: 1.0,
		},
		APIKeys: APIKeysConfig{
			HashAlgorithm:      keys.HashAlgorithm,
			DefaultPermissions: keys.DefaultPermissions,
			Header:             keys.Header,
			Cache: KeyCacheConfig{
				Enabled: keys.Cache.Enabled,
				TTL:     Duration(keys.Cache.TTL),
			},
			Import: KeyImportConfig{
				Enabled:    keys.Import.Enabled,
				SecretName: keys.Import.SecretName,
			},
			JanitorInterval: Duration(keys.JanitorInterval),
		},
		RateLimit: RateLimitConfig{
			Algorithm: string(limits.Algorithm),
			Requests:  limits.Requests,
			Window:    Duration(limits.Window),
			Store:     limits.Store,
		},
		Storage: StorageConfig{
			Type: storage.TypeMemory,
		},
		Secrets: SecretsConfig{
			Provider:  string(secrets.ProviderTypeEnv),
			EnvPrefix: secrets.DefaultEnvPrefix,
		},
		Authorization: AuthorizationConfig{
			ReadPermission:  DefaultReadPermission,
			AdminPermission: DefaultAdminPermission,
		},
	}
}

// APIKey returns the API key service settings.
func (c *Config) APIKey() *apikey.Config {
	k := c.APIKeys
	return &apikey.Config{
		HashAlgorithm:      k.HashAlgorithm,
		DefaultPermissions: append([]string(nil), k.DefaultPermissions...),
		Header:             k.Header,
		Cache: apikey.CacheConfig{
			Enabled:         k.Cache.Enabled,
			TTL:             k.Cache.TTL.Duration(),
			MaxEntries:      k.Cache.MaxEntries,
			CleanupInterval: k.Cache.CleanupInterval.Duration(),
		},
		Import: apikey.ImportConfig{
			Enabled:    k.Import.Enabled,
			SecretName: k.Import.SecretName,
		},
		JanitorInterval: k.JanitorInterval.Duration(),
	}
}

// RateLimiter returns the rate limiter settings.
func (c *Config) RateLimiter() *ratelimit.Config {
	r := c.RateLimit
	return &ratelimit.Config{
		Algorithm: ratelimit.Algorithm(r.Algorithm),
		Requests:  r.Requests,
		Window:    r.Window.Duration(),
		Store:     r.Store,
		Redis: ratelimit.RedisConfig{
			Address:  r.Redis.Address,
			Password: r.Redis.Password,
			DB:       r.Redis.DB,
			Prefix:   r.Redis.Prefix,
		},
	}
}

// StorageBackend returns the storage backend settings.
func (c *Config) StorageBackend() storage.Config {
	s := c.Storage
	out := storage.Config{
		Type:          s.Type,
		Path:          s.Path,
		BusyTimeout:   s.BusyTimeout.Duration(),
		RedisAddress:  s.Redis.Address,
		RedisPassword: s.Redis.Password,
		RedisDB:       s.Redis.DB,
		RedisKey:      s.Redis.Key,
	}

	if b := s.Breaker; b != nil {
		bc := storage.DefaultBreakerConfig()
		if b.MaxRequests > 0 {
			bc.MaxRequests = b.MaxRequests
		}
		if b.Interval > 0 {
			bc.Interval = b.Interval.Duration()
		}
		if b.Timeout > 0 {
			bc.Timeout = b.Timeout.Duration()
		}
		if b.MinRequests > 0 {
			bc.MinRequests = b.MinRequests
		}
		if b.FailureRatio > 0 {
			bc.FailureRatio = b.FailureRatio
		}
		out.Breaker = bc
	}
	return out
}

// SecretsProvider returns the secrets provider settings.
func (c *Config) SecretsProvider(logger *zap.Logger) *secrets.ProviderConfig {
	s := c.Secrets
	out := &secrets.ProviderConfig{
		Type:         secrets.ProviderType(s.Provider),
		EnvPrefix:    s.EnvPrefix,
		FileBasePath: s.FileBasePath,
		Logger:       logger,
	}

	if v := s.Vault; v != nil {
		out.Vault = &secrets.VaultProviderConfig{
			Address:    v.Address,
			Token:      v.Token,
			Namespace:  v.Namespace,
			MountPath:  v.MountPath,
			SecretPath: v.SecretPath,
			Timeout:    v.Timeout.Duration(),
			MaxRetries: v.MaxRetries,
		}
	}
	return out
}

// ImportFile returns the file read by the key import and whether the import
// is file backed and set to be watched.
func (c *Config) ImportFile() (string, bool) {
	imp := c.APIKeys.Import
	if !imp.Enabled || !imp.Watch || c.Secrets.Provider != string(secrets.ProviderTypeFile) {
		return "", false
	}

	name := imp.SecretName
	if name == "" {
		name = apikey.DefaultSecretName
	}
	return filepath.Join(c.Secrets.FileBasePath, name), true
}
