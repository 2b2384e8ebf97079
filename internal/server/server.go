// Package server exposes the companion core to the UI over a local HTTP API.
//
// SERVER ARCHITECTURE:
// This package is the wiring layer between the app and HTTP. It decides
// which URL maps to which handler, which middleware runs, and how the
// process starts and stops.
//
// DEPENDENCY FLOW:
//
//	main.go: config.Load → app.New → server.New(app) → Start
//	server.New: app.Session/Queue/Notifications → handlers → chi routes
//
// The server owns the App once constructed: graceful shutdown drains HTTP
// first and only then closes the App (poller, background loads, store).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/queue-companion/internal/app"
	"github.com/sakif/queue-companion/internal/handler"
	"github.com/sakif/queue-companion/internal/middleware"
	"github.com/sakif/queue-companion/internal/queue"
	"github.com/sakif/queue-companion/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port int
}

type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	app    *app.App
}

// appSession routes Logout and the re-login flag through the App so that
// signing out also clears the queue and notification views.
type appSession struct {
	*session.Manager
	app *app.App
}

func (s appSession) Logout(ctx context.Context) error { return s.app.Logout(ctx) }
func (s appSession) ReloginRequired() bool            { return s.app.ReloginRequired() }

var _ handler.Session = appSession{}

// liveQueue hands each request its own queue.View.
type liveQueue struct {
	*queue.Synchronizer
}

func (q liveQueue) Attach() handler.LiveView { return q.Synchronizer.Attach() }

var _ handler.Queue = liveQueue{}

func New(cfg Config, a *app.App, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		app:    a,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures middleware and mounts the view API under /api.
//
// MIDDLEWARE ORDER:
//  1. RequestID: assigns an id to each request
//  2. RealIP: extracts the client IP from proxy headers
//  3. Recoverer: turns panics into 500s
//  4. Logger: one structured line per request
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	sessions := handler.NewSessionHandler(appSession{Manager: s.app.Session, app: s.app}, s.logger)
	queues := handler.NewQueueHandler(liveQueue{s.app.Queue}, s.logger)
	notifications := handler.NewNotificationHandler(s.app.Notifications, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		sessions.Routes(r)
		queues.Routes(r)
		notifications.Routes(r)
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Start restores the session, serves until SIGINT/SIGTERM or ctx is done,
// then shuts down gracefully:
//  1. stop accepting connections
//  2. let in-flight requests finish (30s)
//  3. close the App (poller, background loads, credential store)
func (s *Server) Start(ctx context.Context) error {
	defer func() {
		if err := s.app.Close(); err != nil {
			s.logger.Error("closing app", slog.String("error", err.Error()))
		}
	}()

	if err := s.app.Start(ctx); err != nil {
		return fmt.Errorf("starting app: %w", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d/api/session", s.config.Port)),
			slog.String("backend", s.app.Config.APIBaseURL),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("server stopped gracefully")
	return nil
}
