// Package app is the composition root of the companion.
//
// WIRING ORDER:
//
//	config → credential store → token source → http clients → api.Client
//	       → broker → session.Manager ⇄ guard.Guard (session faults invalidate via the guard)
//	       → queue.Synchronizer + notification.Aggregator (sharing one index)
//
// Everything below this package receives its collaborators through a Config
// or Options struct; nothing reaches for globals. App also owns the glue that
// belongs to no single component: loading patient data after sign-in and
// forgetting it after sign-out.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/queue-companion/internal/api"
	"github.com/sakif/queue-companion/internal/auth"
	"github.com/sakif/queue-companion/internal/config"
	"github.com/sakif/queue-companion/internal/guard"
	"github.com/sakif/queue-companion/internal/middleware"
	"github.com/sakif/queue-companion/internal/notification"
	"github.com/sakif/queue-companion/internal/queue"
	"github.com/sakif/queue-companion/internal/repository"
	"github.com/sakif/queue-companion/internal/repository/memory"
	sqliteRepo "github.com/sakif/queue-companion/internal/repository/sqlite"
	"github.com/sakif/queue-companion/internal/session"
)

type App struct {
	Config        config.Config
	Store         repository.CredentialStore
	Broker        *guard.Broker
	Session       *session.Manager
	Guard         *guard.Guard
	Queue         *queue.Synchronizer
	Notifications *notification.Aggregator
	Index         *queue.AppointmentIndex

	logger  *slog.Logger
	relogin atomic.Bool
	prompts atomic.Int64

	mu       sync.Mutex
	lastUser string
	bg       context.Context
	stopBg   context.CancelFunc
	loads    sync.WaitGroup

	closers []func() error
}

// New builds every component from cfg. Nothing touches the network until Start.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	index, err := queue.NewAppointmentIndex(queue.DefaultIndexSize)
	if err != nil {
		return nil, fmt.Errorf("app: creating appointment index: %w", err)
	}

	store, closeStore, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	src := auth.NewTokenSource()
	base := middleware.RequestID(middleware.Outbound(logger, http.DefaultTransport))
	public := &http.Client{Transport: base, Timeout: cfg.RequestTimeout}
	authed := auth.NewClient(src, base, cfg.RequestTimeout)
	client := api.New(cfg.APIBaseURL, public, authed, logger)

	broker := guard.NewBroker(logger)
	var g *guard.Guard
	sess := session.New(session.Config{
		Backend:  client,
		Store:    store,
		TokenKey: cfg.TokenKey,
		Pipeline: src,
		Broker:   broker,
		Invalidator: session.InvalidatorFunc(func(ctx context.Context, reason string) {
			g.Invalidate(ctx, reason)
		}),
	}, logger)
	g = guard.New(guard.Config{
		Store:    store,
		TokenKey: cfg.TokenKey,
		Users:    sess,
		Pipeline: src,
		Broker:   broker,
		Timeout:  cfg.RequestTimeout,
	}, logger)

	a := &App{
		Config:  cfg,
		Store:   store,
		Broker:  broker,
		Session: sess,
		Guard:   g,
		Index:   index,
		logger:  logger,
	}
	a.bg, a.stopBg = context.WithCancel(context.Background())

	a.Queue = queue.New(client, g, queue.Options{
		FocusThrottle: cfg.FocusThrottle,
		OnAuthFailure: a.promptRelogin,
		Index:         a.Index,
	}, logger)
	a.Notifications = notification.New(client, g, notification.Options{
		Concurrency:   cfg.BulkConcurrency,
		OnAuthFailure: a.promptRelogin,
		Appointments:  a.Index,
	}, logger)

	unsubscribe := sess.Subscribe(a.onSession)
	a.closers = append(a.closers,
		func() error { unsubscribe(); return nil },
		func() error { g.Close(); return nil },
		func() error { sess.Close(); return nil },
		closeStore,
	)
	return a, nil
}

// openStore picks the credential store for path. config.Ephemeral keeps
// credentials in memory only.
func openStore(path string) (repository.CredentialStore, func() error, error) {
	if path == config.Ephemeral {
		return memory.New(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("app: creating database directory: %w", err)
	}
	db, err := sqliteRepo.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("app: opening credential store: %w", err)
	}
	return db, db.Close, nil
}

// Start restores the previous session and begins interval polling.
// A restore that fails offline is logged, not returned: the cached user stays
// signed in and the next refresh retries.
func (a *App) Start(ctx context.Context) error {
	if err := a.Session.Restore(ctx); err != nil {
		a.logger.Warn("session restore incomplete", slog.String("error", err.Error()))
	}
	a.Queue.Start(a.bg, a.Config.RefreshInterval)
	return nil
}

// Close stops polling, waits for background loads and releases the store.
func (a *App) Close() error {
	a.Queue.Stop()
	a.stopBg()
	a.loads.Wait()

	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logout signs out and forgets every patient-scoped view.
func (a *App) Logout(ctx context.Context) error {
	err := a.Session.Logout(ctx)
	a.Queue.Untrack()
	a.Notifications.Reset()
	return err
}

// ReloginRequired reports whether a guarded call was refused for lack of a
// valid session since the last sign-in.
func (a *App) ReloginRequired() bool {
	return a.relogin.Load()
}

// Prompts counts re-login prompts raised so far.
func (a *App) Prompts() int64 {
	return a.prompts.Load()
}

func (a *App) promptRelogin() {
	a.prompts.Add(1)
	if !a.relogin.Swap(true) {
		a.logger.Info("re-login required")
	}
}

// onSession runs inside session dispatch, possibly during an invalidation
// broadcast, so it never calls into the guard synchronously.
func (a *App) onSession(st session.State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case st.User != nil && st.User.ID != a.lastUser:
		a.lastUser = st.User.ID
		a.relogin.Store(false)
		a.loads.Add(1)
		go func() {
			defer a.loads.Done()
			a.loadPatientData(a.bg)
		}()
	case st.User == nil && a.lastUser != "":
		a.lastUser = ""
	}
}

// loadPatientData fetches the active appointment and the notification list
// side by side after a sign-in.
func (a *App) loadPatientData(ctx context.Context) {
	var eg errgroup.Group
	eg.Go(func() error {
		if _, err := a.Queue.LoadActive(ctx); err != nil {
			return fmt.Errorf("loading active appointment: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := a.Notifications.Fetch(ctx); err != nil {
			return fmt.Errorf("loading notifications: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil && ctx.Err() == nil {
		a.logger.Warn("patient data load failed", slog.String("error", err.Error()))
	}
}

// Settle waits for background loads started by sign-in to finish.
func (a *App) Settle() {
	a.loads.Wait()
}
