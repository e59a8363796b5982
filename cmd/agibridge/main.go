package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/agibridge/internal/banner"
	"github.com/sebas/agibridge/internal/bridge"
	"github.com/sebas/agibridge/internal/bridge/config"
	"github.com/sebas/agibridge/internal/logger"
)

func main() {
	logger.InitLogger(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	logger.SetLevel(cfg.Bridge.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bridge.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create bridge", "error", err)
		os.Exit(1)
	}

	lines := cfg.SummaryLines()
	summary := make([]banner.ConfigLine, len(lines))
	for i, l := range lines {
		summary[i] = banner.ConfigLine{Label: l[0], Value: l[1]}
	}
	banner.Print("Tropo AGI Bridge", summary)

	runErr := app.Run(ctx)
	slog.Info("Shutting down")
	if err := app.Close(); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	if runErr != nil {
		slog.Error("Bridge stopped with error", "error", runErr)
		os.Exit(1)
	}
}
