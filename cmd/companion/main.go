// Package main is the entry point of the queue companion.
//
// The main package stays minimal:
//  1. read configuration (.env, then the environment)
//  2. build the logger
//  3. compose the app and hand it to the server
//
// All behaviour lives in internal/.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/sakif/queue-companion/internal/app"
	"github.com/sakif/queue-companion/internal/config"
	"github.com/sakif/queue-companion/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build app", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT/SIGTERM and closes the app on the way out.
	srv := server.New(server.Config{Port: cfg.ViewPort}, a, logger)
	if err := srv.Start(context.Background()); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
