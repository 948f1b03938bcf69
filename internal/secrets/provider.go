// Package secrets provides read access to named secrets kept in environment
// variables, local files or HashiCorp Vault. keygate reads its bulk key
// import material through this package.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ProviderType represents the type of secrets provider
type ProviderType string

const (
	// ProviderTypeEnv reads secrets from environment variables
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeFile reads secrets from files in a directory
	ProviderTypeFile ProviderType = "file"
	// ProviderTypeVault reads secrets from a Vault KV v2 engine
	ProviderTypeVault ProviderType = "vault"
)

// Common errors for secrets providers
var (
	// ErrSecretNotFound is returned when a secret is not found
	ErrSecretNotFound = errors.New("secret not found")
	// ErrProviderNotConfigured is returned when the provider is not properly configured
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidPath is returned when the secret name is invalid
	ErrInvalidPath = errors.New("invalid secret name")
	// ErrInvalidProviderType is returned when an unknown provider type is specified
	ErrInvalidProviderType = errors.New("invalid provider type")
	// ErrMissingSecrets is returned by Require when one or more secrets are absent
	ErrMissingSecrets = errors.New("required secrets missing")
)

// Provider is the interface for secrets providers
type Provider interface {
	// Type returns the provider type
	Type() ProviderType

	// GetSecret retrieves the value of a secret by name.
	// Returns ErrSecretNotFound when the secret does not exist.
	GetSecret(ctx context.Context, name string) (string, error)

	// Close cleans up provider resources
	Close() error
}

// ValidateProviderType validates that the given string is a valid provider type
func ValidateProviderType(providerType string) (ProviderType, error) {
	switch ProviderType(providerType) {
	case ProviderTypeEnv, ProviderTypeFile, ProviderTypeVault:
		return ProviderType(providerType), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: env, file, vault", ErrInvalidProviderType, providerType)
	}
}

// Get returns the named secret or def when it does not exist. Errors other
// than ErrSecretNotFound are returned as is.
func Get(ctx context.Context, p Provider, name, def string) (string, error) {
	value, err := p.GetSecret(ctx, name)
	if errors.Is(err, ErrSecretNotFound) {
		return def, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Require fetches every named secret and fails listing all missing names.
func Require(ctx context.Context, p Provider, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var missing []string

	for _, name := range names {
		value, err := p.GetSecret(ctx, name)
		switch {
		case errors.Is(err, ErrSecretNotFound):
			missing = append(missing, name)
		case err != nil:
			return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
		default:
			values[name] = value
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSecrets, strings.Join(missing, ", "))
	}

	return values, nil
}
