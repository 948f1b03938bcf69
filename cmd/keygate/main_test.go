package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astraguard/keygate/internal/auth/apikey"
	"github.com/astraguard/keygate/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "keygate.yaml")
	writeFile(t, path, content)
	return path
}

func TestParseFlags_EnvironmentAndOverrides(t *testing.T) {
	t.Setenv("KEYGATE_CONFIG", "/etc/keygate/keygate.yaml")
	t.Setenv("KEYGATE_LOG_LEVEL", "debug")
	t.Setenv("KEYGATE_ADDRESS", ":9000")

	flags, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/keygate/keygate.yaml", flags.configPath)
	assert.Equal(t, "debug", flags.logLevel)
	assert.Equal(t, ":9000", flags.address)
	assert.Empty(t, flags.logFormat)

	flags, err = parseFlags([]string{"-log-level", "warn", "-address", ":9100", "-version"})
	require.NoError(t, err)
	assert.Equal(t, "warn", flags.logLevel)
	assert.Equal(t, ":9100", flags.address)
	assert.True(t, flags.showVersion)
}

func TestParseFlags_UnknownFlag(t *testing.T) {
	_, err := parseFlags([]string{"-bogus"})
	assert.Error(t, err)
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &out))
	assert.Contains(t, out.String(), "keygate version dev")
	assert.Contains(t, out.String(), "Git commit:")
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults without a file", func(t *testing.T) {
		t.Parallel()

		cfg, err := loadConfig(cliFlags{})
		require.NoError(t, err)
		assert.Equal(t, config.DefaultAddress, cfg.Server.Address)
	})

	t.Run("flags override the file", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, t.TempDir(), `
server:
  address: ":7000"
logging:
  level: info
  format: json
`)
		cfg, err := loadConfig(cliFlags{configPath: path, logLevel: "error", address: ":7100"})
		require.NoError(t, err)
		assert.Equal(t, ":7100", cfg.Server.Address)
		assert.Equal(t, "error", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := loadConfig(cliFlags{configPath: filepath.Join(t.TempDir(), "absent.yaml")})
		assert.ErrorContains(t, err, "failed to load configuration")
	})

	t.Run("invalid override", func(t *testing.T) {
		t.Parallel()

		_, err := loadConfig(cliFlags{logLevel: "verbose"})
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestRun_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), `
server:
  address: "127.0.0.1:0"
logging:
  level: error
`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, run(ctx, []string{"-config", path}, &bytes.Buffer{}))
}

func TestApplication_ServesAndReloadsImport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	secretsDir := filepath.Join(dir, "secrets")
	require.NoError(t, os.Mkdir(secretsDir, 0o700))
	importFile := filepath.Join(secretsDir, apikey.DefaultSecretName)
	writeFile(t, importFile, "ci:tok-ci")

	cfg, err := config.Parse([]byte(`
server:
  address: "127.0.0.1:0"
logging:
  level: error
apiKeys:
  import:
    enabled: true
    watch: true
storage:
  type: file
  path: ` + filepath.Join(dir, "keys.yaml") + `
secrets:
  provider: file
  fileBasePath: ` + secretsDir + `
`))
	require.NoError(t, err)
	require.NoError(t, config.ValidateConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApplication(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.start(ctx))
	require.NotNil(t, app.watcher)
	assert.Equal(t, importFile, app.watcher.Path())

	base := "http://" + app.server.Addr()
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/whoami", http.NoBody)
	require.NoError(t, err)
	req.Header.Set(apikey.DefaultHeader, "tok-ci")
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(base + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	writeFile(t, importFile, "ci:tok-ci,ops:tok-ops")
	assert.Eventually(t, func() bool {
		return app.service.Store().Count() == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, err = app.service.Authenticate(ctx, "tok-ops")
	assert.NoError(t, err)

	require.NoError(t, app.shutdownWithTimeout(5*time.Second))
	assert.False(t, app.service.Ready())
}

func TestNewApplication_InvalidStorage(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "missing", "dir", "keys.db")

	_, err := newApplication(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
