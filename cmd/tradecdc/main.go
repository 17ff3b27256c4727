// Command tradecdc runs the trade CDC pipeline: the Firehose transformation
// endpoint, the batch merge job, or both, depending on the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/tradecdc/internal/app"
	"github.com/alanyoungcy/tradecdc/internal/config"
)

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("tradecdc exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	level := new(slog.LevelVar)
	logger := newLogger(level)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if l, err := cfg.SlogLevel(); err == nil {
		level.Set(l)
	}

	logger.Info("tradecdc starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	err = application.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tradecdc stopped")
	return nil
}
