package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// DefaultEnvPrefix is the default prefix for environment variable secrets
const DefaultEnvPrefix = "KEYGATE_"

// EnvProviderConfig holds configuration for the environment variable secrets provider
type EnvProviderConfig struct {
	// Prefix is the prefix for environment variables
	// Default: "KEYGATE_"
	Prefix string
	// Logger is the logger instance
	Logger *zap.Logger
}

// EnvProvider implements the Provider interface using environment variables.
// Secret "api_keys" maps to env var "{PREFIX}API_KEYS".
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
	logger *zap.Logger
}

// NewEnvProvider creates a new environment variable secrets provider
func NewEnvProvider(cfg *EnvProviderConfig) *EnvProvider {
	if cfg == nil {
		cfg = &EnvProviderConfig{}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EnvProvider{
		prefix: prefix,
		lookup: os.LookupEnv,
		logger: logger,
	}
}

// Type returns the provider type
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// EnvName converts a secret name to the environment variable it is read from.
func (p *EnvProvider) EnvName(name string) string {
	envName := strings.ToUpper(name)
	envName = strings.ReplaceAll(envName, "-", "_")
	envName = strings.ReplaceAll(envName, ".", "_")
	envName = strings.ReplaceAll(envName, "/", "_")

	return p.prefix + envName
}

// GetSecret retrieves a secret from environment variables
func (p *EnvProvider) GetSecret(_ context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrInvalidPath
	}

	envName := p.EnvName(name)

	value, exists := p.lookup(envName)
	if !exists {
		p.logger.Debug("Environment variable not found",
			zap.String("envVar", envName),
		)
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envName)
	}

	p.logger.Debug("Read secret from environment",
		zap.String("envVar", envName),
		zap.String("value", Mask(value, DefaultVisibleChars)),
	)

	return value, nil
}

// Close cleans up provider resources
func (p *EnvProvider) Close() error {
	return nil
}
