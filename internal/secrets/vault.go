package secrets

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultProviderConfig holds configuration for the Vault secrets provider
type VaultProviderConfig struct {
	// Address is the Vault server address
	Address string
	// Token is the Vault token
	Token string
	// Namespace is the Vault namespace (Enterprise only)
	Namespace string
	// MountPath is the KV v2 engine mount point
	// Default: "secret"
	MountPath string
	// SecretPath is the KV v2 secret whose fields are the keygate secrets
	// Default: "keygate"
	SecretPath string
	// Timeout is the request timeout
	Timeout time.Duration
	// MaxRetries is the maximum number of retries
	MaxRetries int
	// Logger is the logger instance
	Logger *zap.Logger
}

// VaultProvider implements the Provider interface on a Vault KV v2 secret.
// Secret "api_keys" is field "api_keys" of <mount>/data/<secretPath>.
type VaultProvider struct {
	client   *vaultapi.Client
	dataPath string
	logger   *zap.Logger
}

// NewVaultProvider creates a new Vault secrets provider
func NewVaultProvider(cfg *VaultProviderConfig) (*VaultProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrProviderNotConfigured)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiConfig.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries > 0 {
		apiConfig.MaxRetries = cfg.MaxRetries
	}

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := strings.Trim(cfg.MountPath, "/")
	if mount == "" {
		mount = "secret"
	}
	secretPath := strings.Trim(cfg.SecretPath, "/")
	if secretPath == "" {
		secretPath = "keygate"
	}

	return &VaultProvider{
		client:   client,
		dataPath: path.Join(mount, "data", secretPath),
		logger:   logger,
	}, nil
}

// Type returns the provider type
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret reads one field of the configured KV v2 secret.
func (p *VaultProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrInvalidPath
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, p.dataPath)
	if err != nil {
		return "", fmt.Errorf("failed to read vault secret %s: %w", p.dataPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, p.dataPath)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: %s has no data", ErrSecretNotFound, p.dataPath)
	}

	raw, ok := data[name]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: field %s of %s", ErrSecretNotFound, name, p.dataPath)
	}

	value, ok := raw.(string)
	if !ok {
		value = fmt.Sprint(raw)
	}

	p.logger.Debug("Read secret from vault",
		zap.String("path", p.dataPath),
		zap.String("field", name),
	)

	return value, nil
}

// Close cleans up provider resources
func (p *VaultProvider) Close() error {
	p.client.ClearToken()
	return nil
}
