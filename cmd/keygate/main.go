// Package main is the entry point for the keygate API key service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v10"

	"github.com/astraguard/keygate/internal/config"
	"github.com/astraguard/keygate/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// bootstrapEnv holds the settings read from the environment before the
// configuration file is loaded.
type bootstrapEnv struct {
	ConfigPath string `env:"KEYGATE_CONFIG"`
	LogLevel   string `env:"KEYGATE_LOG_LEVEL"`
	LogFormat  string `env:"KEYGATE_LOG_FORMAT"`
	Address    string `env:"KEYGATE_ADDRESS"`
}

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	address     string
	showVersion bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "keygate: %v\n", err)
		os.Exit(1)
	}
}

// run parses arguments, builds the application and serves until ctx is
// cancelled.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if flags.showVersion {
		printVersion(stdout)
		return nil
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	zapLogger, err := observability.NewZapLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := observability.NewLoggerFromZap(zapLogger)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting keygate",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("storage", cfg.Storage.Type),
		observability.String("secrets", cfg.Secrets.Provider),
	)

	app, err := newApplication(ctx, cfg, zapLogger)
	if err != nil {
		logger.Error("failed to initialize application", observability.Error(err))
		return err
	}

	if err := app.start(ctx); err != nil {
		logger.Error("failed to start application", observability.Error(err))
		_ = app.shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	return app.shutdownWithTimeout(cfg.Server.ShutdownTimeout.Duration())
}

// parseFlags reads the environment and then the command line. Flags take
// precedence over the environment.
func parseFlags(args []string) (cliFlags, error) {
	var boot bootstrapEnv
	if err := env.Parse(&boot); err != nil {
		return cliFlags{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	fs := flag.NewFlagSet("keygate", flag.ContinueOnError)
	configPath := fs.String("config", boot.ConfigPath, "Path to configuration file")
	logLevel := fs.String("log-level", boot.LogLevel, "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", boot.LogFormat, "Log format (json, console)")
	address := fs.String("address", boot.Address, "HTTP listen address")
	showVersion := fs.Bool("version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		address:     *address,
		showVersion: *showVersion,
	}, nil
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "keygate version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// loadConfig loads the configuration file, or the defaults when no path is
// set, applies the command line overrides and validates the result.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if flags.address != "" {
		cfg.Server.Address = flags.address
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
