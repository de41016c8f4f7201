// Package main is the entry point for the multi-region router.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.LoadAndValidate(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %s: %v\n", flags.configPath, err)
		os.Exit(1)
	}

	logger, err := initLogger(flags, cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avaregion",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Strings("regions", cfg.RegionIDs()),
		observability.String("algorithm", cfg.Routing.Algorithm),
		observability.String("store", cfg.Store.Type),
	)

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize router", observability.Error(err))
		return
	}

	if err := app.start(ctx, flags.configPath); err != nil {
		fatalWithSync(logger, "failed to start router", observability.Error(err))
		return
	}

	waitForShutdown(app, logger)
}

// parseFlags parses command line flags. Unset flags fall back to ROUTER_*
// environment variables.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("avaregion", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault("ROUTER_CONFIG_PATH", "configs/router.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("ROUTER_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	logFormat := fs.String("log-format", getEnvOrDefault("ROUTER_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avaregion version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the logger from the configuration, with non-empty flags
// taking precedence.
func initLogger(flags cliFlags, cfg config.LoggingConfig) (observability.Logger, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}
	return observability.NewLogger(logCfg)
}

// fatalWithSync logs at fatal level after flushing buffered entries.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	_ = logger.Sync()
	logger.Fatal(msg, fields...)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
