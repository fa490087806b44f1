// Command gridclear runs the periodic market-clearing and settlement core. It
// loads configuration, validates it, sets up signal handling, and starts the
// application in the configured mode.
//
// Usage:
//
//	gridclear [-config path]
//	gridclear encrypt-key -out keystore.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/gridclear/internal/app"
	"github.com/alanyoungcy/gridclear/internal/config"
	"github.com/alanyoungcy/gridclear/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("gridclear starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("gridclear stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// encryptKey seals the operator key from GRIDCLEAR_LEDGER_PRIVATE_KEY with
// GRIDCLEAR_LEDGER_KEY_PASSWORD into a keystore file for ledger.keystore_path.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "keystore.json", "keystore file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw := os.Getenv("GRIDCLEAR_LEDGER_PRIVATE_KEY")
	password := os.Getenv("GRIDCLEAR_LEDGER_KEY_PASSWORD")
	if raw == "" || password == "" {
		return errors.New("GRIDCLEAR_LEDGER_PRIVATE_KEY and GRIDCLEAR_LEDGER_KEY_PASSWORD must be set")
	}

	data, err := crypto.SealKey(raw, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *out)
	return nil
}
