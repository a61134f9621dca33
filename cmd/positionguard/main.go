// Command positionguard monitors a lending-pool position and protects it from
// liquidation. It loads configuration, validates it, wires dependencies, sets
// up signal handling, and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/positionguard/positionguard/internal/app"
	"github.com/positionguard/positionguard/internal/config"
	"github.com/positionguard/positionguard/internal/guard"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "operating mode: monitor, server, full, archive or check (overrides config)")
	interval := flag.Duration("interval", 0, "cycle interval, e.g. 30s or 5m (overrides config)")
	dryRun := flag.Bool("dry-run", false, "evaluate and recommend but never submit transactions (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warning, error or critical (overrides config)")
	flag.Parse()

	// Setup structured JSON logger.
	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Flags that were explicitly set override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "interval":
			cfg.Guard.Interval.Duration = *interval
		case "dry-run":
			cfg.Guard.DryRun = *dryRun
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	// Rebuild the logger at the configured level.
	logger = newLogger(parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("position guard starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("position guard stopped")
}

// newLogger builds a JSON logger that renders levels at or above
// guard.LevelCritical as "CRITICAL".
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey {
				if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl >= guard.LevelCritical {
					attr.Value = slog.StringValue("CRITICAL")
				}
			}
			return attr
		},
	}))
}

// parseLevel maps a configured log level to its slog value. Unknown values
// fall back to info so the validation failure that follows still gets logged.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return guard.LevelCritical
	default:
		return slog.LevelInfo
	}
}
