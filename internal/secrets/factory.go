package secrets

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ProviderConfig holds configuration for creating providers
type ProviderConfig struct {
	// Type is the provider type
	Type ProviderType
	// EnvPrefix is the prefix for environment variable secrets
	EnvPrefix string
	// FileBasePath is the directory for file secrets
	FileBasePath string
	// Vault holds Vault-specific configuration
	Vault *VaultProviderConfig
	// Logger is the logger instance
	Logger *zap.Logger
}

// NewProvider creates a new secrets provider based on config.
// An empty type selects the env provider.
func NewProvider(cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		cfg = &ProviderConfig{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case ProviderTypeEnv, "":
		return NewEnvProvider(&EnvProviderConfig{
			Prefix: cfg.EnvPrefix,
			Logger: logger,
		}), nil

	case ProviderTypeFile:
		return NewFileProvider(&FileProviderConfig{
			BasePath: cfg.FileBasePath,
			Logger:   logger,
		})

	case ProviderTypeVault:
		if cfg.Vault == nil {
			return nil, fmt.Errorf("%w: vault config is required for vault provider", ErrProviderNotConfigured)
		}
		vaultCfg := *cfg.Vault
		vaultCfg.Logger = logger
		if vaultCfg.Timeout == 0 {
			vaultCfg.Timeout = 30 * time.Second
		}
		return NewVaultProvider(&vaultCfg)

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderType, cfg.Type)
	}
}
