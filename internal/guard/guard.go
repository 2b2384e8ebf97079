// Package guard is the authenticated request executor.
//
// Every backend call that needs a session goes through a Guard. The Guard
// answers one question, "is the token still good?", so that the queue
// synchronizer, the notification aggregator and anything added later share
// one failure-recovery policy:
//
//	Run(op)
//	  ├─ Verify() false  → onAuthFailure(), op skipped
//	  └─ Verify() true   → op(ctx with timeout)
//	       ├─ AuthFault   → publish invalidation, onAuthFailure(), fault swallowed
//	       ├─ other error → returned to the caller
//	       └─ ok          → result returned
//
// VALIDITY CACHE:
// A successful Verify is cached so hot paths do not hit storage on every
// call. The cache is dropped when an invalidation is published (by anyone,
// including the Guard itself), so the next Verify re-reads the Credential
// Store. A cached false is never trusted.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/auth"
	"github.com/sakif/queue-companion/internal/model"
	"github.com/sakif/queue-companion/internal/repository"
)

// DefaultTimeout bounds every guarded operation when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// UserSource reports the currently loaded user. The Session Manager implements it.
type UserSource interface {
	CurrentUser() *model.User
}

// Pipeline is the part of the request pipeline the Guard can re-arm.
type Pipeline interface {
	Arm(token string)
}

type Config struct {
	Store    repository.CredentialStore
	TokenKey string
	Users    UserSource
	Pipeline Pipeline
	Broker   *Broker

	// Timeout applies to each guarded operation. Zero means DefaultTimeout.
	Timeout time.Duration
	// Skew treats tokens expiring within this window as already expired.
	Skew time.Duration
}

type Guard struct {
	store    repository.CredentialStore
	tokenKey string
	users    UserSource
	pipeline Pipeline
	broker   *Broker
	timeout  time.Duration
	skew     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	valid bool

	// transition serializes an invalidation (flag flip plus delivery) against
	// the storage re-check in Verify, so no Verify can observe the old token
	// between the flip and the subscribers clearing it. Subscribers must not
	// call Verify.
	transition sync.RWMutex

	unsubscribe func()
}

func New(cfg Config, logger *slog.Logger) *Guard {
	if cfg.TokenKey == "" {
		cfg.TokenKey = repository.DefaultTokenKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	g := &Guard{
		store:    cfg.Store,
		tokenKey: cfg.TokenKey,
		users:    cfg.Users,
		pipeline: cfg.Pipeline,
		broker:   cfg.Broker,
		timeout:  cfg.Timeout,
		skew:     cfg.Skew,
		logger:   logger,
		now:      time.Now,
	}
	g.unsubscribe = cfg.Broker.Subscribe(func(Invalidation) {
		g.setValid(false)
	})
	return g
}

// Close detaches the Guard from the invalidation channel.
func (g *Guard) Close() {
	g.unsubscribe()
}

// Verify reports whether a usable token is stored and a user is loaded.
//
// If a token is stored but no user is loaded, the pipeline is re-armed with
// that token (so a subsequent profile request can succeed) and Verify still
// reports false. A stored token that is already expired counts as an auth
// fault and may publish an invalidation; a missing token does not.
func (g *Guard) Verify(ctx context.Context) bool {
	g.mu.Lock()
	cached := g.valid
	g.mu.Unlock()
	if cached && g.users.CurrentUser() != nil {
		return true
	}

	ok, expired := g.verifyStored(ctx)
	if expired {
		g.markInvalid("token expired")
	}
	return ok
}

// verifyStored is the storage half of Verify. It runs under the read side of
// transition so it cannot interleave with an invalidation being delivered.
func (g *Guard) verifyStored(ctx context.Context) (ok, expired bool) {
	g.transition.RLock()
	defer g.transition.RUnlock()

	token, err := g.store.Get(ctx, g.tokenKey)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			g.logger.Warn("reading token failed", slog.String("error", err.Error()))
		}
		g.setValid(false)
		return false, false
	}

	if !auth.Usable(token, g.now(), g.skew) {
		return false, true
	}

	if g.users.CurrentUser() == nil {
		g.logger.Debug("token present without user, re-arming pipeline")
		g.pipeline.Arm(token)
		return false, false
	}

	g.setValid(true)
	return true, false
}

func (g *Guard) setValid(v bool) {
	g.mu.Lock()
	g.valid = v
	g.mu.Unlock()
}

// Valid returns the cached validity flag without touching storage.
func (g *Guard) Valid() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.valid
}

// Invalidate is for components that detect an auth fault outside Run, such
// as the session revalidating a restored login. It publishes when the cached
// validity was true or a token is still stored: a session that was never
// verified is still cleared, and a fault that arrives after the subscribers
// removed the token stays silent.
func (g *Guard) Invalidate(ctx context.Context, reason string) {
	g.flip(reason, func() bool {
		_, err := g.store.Get(ctx, g.tokenKey)
		return err == nil
	})
}

// markInvalid publishes only on a true → false transition, so a burst of
// concurrent auth faults produces one signal per validity epoch.
func (g *Guard) markInvalid(reason string) {
	g.flip(reason, nil)
}

// flip clears the cached validity under the write side of transition and
// publishes if it was true or, when given, stale reports leftover credentials.
func (g *Guard) flip(reason string, stale func() bool) {
	g.transition.Lock()
	defer g.transition.Unlock()

	g.mu.Lock()
	was := g.valid
	g.valid = false
	g.mu.Unlock()

	if was || (stale != nil && stale()) {
		g.broker.Publish(Invalidation{Reason: reason, At: g.now()})
	}
}

// Run executes op behind the Guard.
//
// ok is false when the auth-failure path was taken: either Verify failed and
// op never ran, or op failed with an AuthFault. In both cases onAuthFailure
// has been called and err is nil. Any other error from op is returned with
// ok set to true.
func Run[T any](ctx context.Context, g *Guard, op func(context.Context) (T, error), onAuthFailure func()) (result T, ok bool, err error) {
	var zero T

	if !g.Verify(ctx) {
		callAuthFailure(onAuthFailure)
		return zero, false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	v, err := op(opCtx)
	if err != nil {
		if apperror.IsAuthFault(err) {
			g.logger.Info("guarded call hit an auth fault", slog.String("error", err.Error()))
			g.markInvalid(err.Error())
			callAuthFailure(onAuthFailure)
			return zero, false, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, true, apperror.Network("waiting for the server", err)
		}
		return zero, true, err
	}
	return v, true, nil
}

// Do is Run for operations without a result.
func (g *Guard) Do(ctx context.Context, op func(context.Context) error, onAuthFailure func()) error {
	_, _, err := Run(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, onAuthFailure)
	return err
}

func callAuthFailure(fn func()) {
	if fn != nil {
		fn()
	}
}
