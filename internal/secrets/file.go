package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileProviderConfig holds configuration for the file secrets provider
type FileProviderConfig struct {
	// BasePath is the directory holding one file per secret
	BasePath string
	// Logger is the logger instance
	Logger *zap.Logger
}

// FileProvider implements the Provider interface using local files.
// Secret "api_keys" is the trimmed content of base-path/api_keys, which
// is the layout of mounted Docker and Kubernetes secrets.
type FileProvider struct {
	basePath string
	logger   *zap.Logger
}

// NewFileProvider creates a new file secrets provider
func NewFileProvider(cfg *FileProviderConfig) (*FileProvider, error) {
	if cfg == nil || cfg.BasePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrProviderNotConfigured)
	}

	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to access base path: %w", ErrProviderNotConfigured, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: base path is not a directory: %s", ErrProviderNotConfigured, cfg.BasePath)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileProvider{
		basePath: cfg.BasePath,
		logger:   logger,
	}, nil
}

// Type returns the provider type
func (p *FileProvider) Type() ProviderType {
	return ProviderTypeFile
}

// Path returns the file a secret is read from.
func (p *FileProvider) Path(name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(p.basePath, clean), nil
}

// GetSecret reads a secret file
func (p *FileProvider) GetSecret(_ context.Context, name string) (string, error) {
	path, err := p.Path(name)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is confined to basePath
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	p.logger.Debug("Read secret from file",
		zap.String("path", path),
		zap.Int("bytes", len(data)),
	)

	return strings.TrimSpace(string(data)), nil
}

// Close cleans up provider resources
func (p *FileProvider) Close() error {
	return nil
}
