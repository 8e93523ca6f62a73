package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/conduitapp/conduit/internal/app"
	"github.com/conduitapp/conduit/internal/config"
	"github.com/conduitapp/conduit/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.NewWithSentry(cfg.Logger)

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize", slog.Any("error", err))
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		log.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
