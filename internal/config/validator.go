package config

import (
	"fmt"
	"strings"

	"github.com/astraguard/keygate/internal/ratelimit"
	"github.com/astraguard/keygate/internal/secrets"
	"github.com/astraguard/keygate/internal/storage"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates keygate configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a configuration and returns every problem found.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateLogging(cfg)
	v.validateTracing(cfg)
	v.validateAPIKeys(cfg)
	v.validateRateLimit(cfg)
	v.validateStorage(&cfg.Storage)
	v.validateSecrets(cfg)
	v.validateAuthorization(&cfg.Authorization)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "address is required")
	}
	if s.ReadTimeout < 0 {
		v.addError("server.readTimeout", "must not be negative")
	}
	if s.WriteTimeout < 0 {
		v.addError("server.writeTimeout", "must not be negative")
	}
	if s.ShutdownTimeout < 0 {
		v.addError("server.shutdownTimeout", "must not be negative")
	}
}

func (v *Validator) validateLogging(cfg *Config) {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "console", "":
	default:
		v.addError("logging.format", fmt.Sprintf("unknown format %q, must be json or console", cfg.Logging.Format))
	}
}

func (v *Validator) validateTracing(cfg *Config) {
	if r := cfg.Tracing.SamplingRate; r < 0 || r > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) validateAPIKeys(cfg *Config) {
	if err := cfg.APIKey().Validate(); err != nil {
		for _, msg := range strings.Split(err.Error(), "\n") {
			v.addError("apiKeys", msg)
		}
	}
	if cfg.APIKeys.Header == "" {
		v.addError("apiKeys.header", "header is required")
	}
	if cfg.APIKeys.Import.Watch && cfg.Secrets.Provider != string(secrets.ProviderTypeFile) {
		v.addError("apiKeys.import.watch", "watch requires the file secrets provider")
	}
}

func (v *Validator) validateRateLimit(cfg *Config) {
	if err := cfg.RateLimiter().Validate(); err != nil {
		v.addError("rateLimit", err.Error())
	}
	if cfg.RateLimit.Store == ratelimit.StoreRedis && cfg.RateLimit.Redis.Address == "" {
		v.addError("rateLimit.redis.address", "address is required for the redis store")
	}
}

func (v *Validator) validateStorage(s *StorageConfig) {
	switch s.Type {
	case storage.TypeMemory, "":
	case storage.TypeFile, storage.TypeSQLite:
		if s.Path == "" {
			v.addError("storage.path", fmt.Sprintf("path is required for the %s backend", s.Type))
		}
	case storage.TypeRedis:
		if s.Redis.Address == "" {
			v.addError("storage.redis.address", "address is required for the redis backend")
		}
	default:
		v.addError("storage.type", fmt.Sprintf("unknown backend %q", s.Type))
	}

	if b := s.Breaker; b != nil && (b.FailureRatio < 0 || b.FailureRatio > 1) {
		v.addError("storage.breaker.failureRatio", "must be between 0 and 1")
	}
}

func (v *Validator) validateSecrets(cfg *Config) {
	s := cfg.Secrets
	if s.Provider == "" {
		return
	}

	pt, err := secrets.ValidateProviderType(s.Provider)
	if err != nil {
		v.addError("secrets.provider", err.Error())
		return
	}

	switch pt {
	case secrets.ProviderTypeFile:
		if s.FileBasePath == "" {
			v.addError("secrets.fileBasePath", "fileBasePath is required for the file provider")
		}
	case secrets.ProviderTypeVault:
		if s.Vault == nil || s.Vault.Address == "" {
			v.addError("secrets.vault.address", "address is required for the vault provider")
		}
	}
}

func (v *Validator) validateAuthorization(a *AuthorizationConfig) {
	if a.ReadPermission == "" {
		v.addError("authorization.readPermission", "readPermission is required")
	}
	if a.AdminPermission == "" {
		v.addError("authorization.adminPermission", "adminPermission is required")
	}
	for perm, implied := range a.Implications {
		if perm == "" {
			v.addError("authorization.implications", "permission must not be empty")
			continue
		}
		for _, p := range implied {
			if p == "" {
				v.addError("authorization.implications."+perm, "implied permission must not be empty")
			}
		}
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: message,
	})
}
