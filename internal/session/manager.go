// Package session owns the authentication state machine.
//
// The Manager is the only component that writes the session token and the
// cached user record to the Credential Store, and the only one that arms or
// disarms the request pipeline. Everything else reads State() or subscribes
// to changes.
//
// OPERATION SHAPE:
// Every remote operation follows the same pattern:
//
//  1. validate input locally, returning a ValidationFault without touching
//     state or the network
//  2. dispatch start   → Loading=true, Error=""
//  3. call the backend (identical concurrent calls, same op and arguments,
//     share one flight)
//  4. dispatch exactly one of succeeded (User=result) or failed (Error=msg)
//
// Errors are returned to programmatic callers and also recorded in
// State().Error for the UI; nothing panics.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/sakif/queue-companion/internal/api"
	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/auth"
	"github.com/sakif/queue-companion/internal/guard"
	"github.com/sakif/queue-companion/internal/model"
	"github.com/sakif/queue-companion/internal/repository"
)

// ExpiredMessage is shown after the session was invalidated.
const ExpiredMessage = "Your session has expired. Please sign in again."

// Backend is the slice of the backend auth service the Manager uses.
// *api.Client satisfies it.
type Backend interface {
	Login(ctx context.Context, identifier, secret string) (*api.AuthResult, error)
	Register(ctx context.Context, reg model.Registration, secret string) (*api.AuthResult, error)
	CompleteProfile(ctx context.Context, update model.ProfileUpdate) (*model.User, error)
	GetProfile(ctx context.Context) (*model.User, error)
	ChangePassword(ctx context.Context, oldSecret, newSecret string) error
	Logout(ctx context.Context) error
}

// Pipeline is the authenticated request pipeline. *auth.TokenSource satisfies it.
type Pipeline interface {
	Arm(token string)
	Disarm()
}

// Invalidator turns an auth fault into an invalidation signal.
// *guard.Guard satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, reason string)
}

// InvalidatorFunc adapts a function to Invalidator, for wiring a Guard that
// is built after the Manager.
type InvalidatorFunc func(ctx context.Context, reason string)

func (f InvalidatorFunc) Invalidate(ctx context.Context, reason string) { f(ctx, reason) }

var _ Backend = (*api.Client)(nil)
var _ Pipeline = (*auth.TokenSource)(nil)
var _ Invalidator = (*guard.Guard)(nil)
var _ guard.UserSource = (*Manager)(nil)

type Config struct {
	Backend  Backend
	Store    repository.CredentialStore
	TokenKey string
	Pipeline Pipeline
	Broker   *guard.Broker
	// Invalidator receives auth faults from the Manager's own calls. Nil
	// publishes straight on Broker.
	Invalidator Invalidator
}

type Manager struct {
	backend  Backend
	store    repository.CredentialStore
	tokenKey string
	pipeline Pipeline
	broker   *guard.Broker
	invalid  Invalidator
	logger   *slog.Logger

	flights singleflight.Group

	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]func(State)

	unsubscribe func()
}

func New(cfg Config, logger *slog.Logger) *Manager {
	if cfg.TokenKey == "" {
		cfg.TokenKey = repository.DefaultTokenKey
	}
	m := &Manager{
		backend:  cfg.Backend,
		store:    cfg.Store,
		tokenKey: cfg.TokenKey,
		pipeline: cfg.Pipeline,
		broker:   cfg.Broker,
		invalid:  cfg.Invalidator,
		logger:   logger,
		state:    State{Status: StatusInitializing},
		subs:     make(map[int]func(State)),
	}
	m.unsubscribe = cfg.Broker.Subscribe(m.onInvalidated)
	return m
}

// Close detaches the Manager from the invalidation channel.
func (m *Manager) Close() {
	m.unsubscribe()
}

// =========================================================================
// STATE ACCESS
// =========================================================================

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentUser returns the loaded user, or nil.
func (m *Manager) CurrentUser() *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.User
}

// Subscribe calls fn with every new state until the returned func is called.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) dispatch(a action) State {
	m.mu.Lock()
	m.state = reduce(m.state, a)
	next := m.state
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("session transition",
		slog.String("action", a.kind.String()),
		slog.String("status", string(next.Status)),
		slog.Bool("loading", next.Loading),
	)
	for _, fn := range fns {
		fn(next)
	}
	return next
}

// =========================================================================
// OPERATIONS
// =========================================================================

// Login signs in with a phone number (or email) and password.
func (m *Manager) Login(ctx context.Context, identifier, secret string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return apperror.ValidationFailed("identifier", "phone number or email is required")
	}
	if err := auth.ValidateSecret("password", secret); err != nil {
		return err
	}

	return m.run(ctx, flightKey("login", identifier, secret), "logging in", func(ctx context.Context) (*model.User, error) {
		res, err := m.backend.Login(ctx, identifier, secret)
		if err != nil {
			return nil, err
		}
		return m.establish(ctx, res)
	})
}

// Register creates an account and signs it in.
func (m *Manager) Register(ctx context.Context, reg model.Registration, secret string) error {
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Phone = strings.TrimSpace(reg.Phone)
	reg.Email = strings.TrimSpace(reg.Email)

	switch {
	case reg.Name == "":
		return apperror.ValidationFailed("name", "name is required")
	case reg.Phone == "":
		return apperror.ValidationFailed("phone", "phone number is required")
	}
	if err := validateEmail(reg.Email); err != nil {
		return err
	}
	if err := auth.ValidateSecret("password", secret); err != nil {
		return err
	}

	return m.run(ctx, flightKey("register", reg.Name, reg.Phone, reg.Email, secret), "registering", func(ctx context.Context) (*model.User, error) {
		res, err := m.backend.Register(ctx, reg, secret)
		if err != nil {
			return nil, err
		}
		return m.establish(ctx, res)
	})
}

// UpdateProfile applies a partial profile change (the backend's completeProfile).
func (m *Manager) UpdateProfile(ctx context.Context, update model.ProfileUpdate) error {
	if update.Empty() {
		return apperror.ValidationFailed("", "nothing to update")
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return apperror.ValidationFailed("name", "name cannot be empty")
	}
	if update.Email != nil {
		if err := validateEmail(*update.Email); err != nil {
			return err
		}
	}
	if update.DateOfBirth != nil && update.DateOfBirth.After(time.Now()) {
		return apperror.ValidationFailed("date_of_birth", "date of birth cannot be in the future")
	}

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("session: encoding profile update: %w", err)
	}

	return m.run(ctx, flightKey("profile", string(body)), "updating profile", func(ctx context.Context) (*model.User, error) {
		u, err := m.backend.CompleteProfile(ctx, update)
		if err != nil {
			return nil, m.checkAuth(ctx, err)
		}
		return u, m.saveUser(ctx, u)
	})
}

// RefreshProfile reloads the profile from the backend.
func (m *Manager) RefreshProfile(ctx context.Context) error {
	return m.run(ctx, "refresh-profile", "loading profile", func(ctx context.Context) (*model.User, error) {
		u, err := m.backend.GetProfile(ctx)
		if err != nil {
			return nil, m.checkAuth(ctx, err)
		}
		return u, m.saveUser(ctx, u)
	})
}

// ChangePassword replaces the account password. The session is unchanged.
func (m *Manager) ChangePassword(ctx context.Context, oldSecret, newSecret string) error {
	if oldSecret == "" {
		return apperror.ValidationFailed("old_password", "current password is required")
	}
	if err := auth.ValidateSecret("new_password", newSecret); err != nil {
		return err
	}
	if oldSecret == newSecret {
		return apperror.ValidationFailed("new_password", "new password must differ from the current one")
	}

	return m.run(ctx, flightKey("change-password", oldSecret, newSecret), "changing password", func(ctx context.Context) (*model.User, error) {
		return nil, m.checkAuth(ctx, m.backend.ChangePassword(ctx, oldSecret, newSecret))
	})
}

// Logout signs out. It is always locally effective: the in-memory user, the
// stored user record and the token are cleared even when the backend cannot
// be reached. The returned error only reports local storage failures.
func (m *Manager) Logout(ctx context.Context) error {
	_, err, _ := m.flights.Do("logout", func() (any, error) {
		m.dispatch(action{kind: actionStart})

		if err := m.backend.Logout(ctx); err != nil {
			m.logger.Warn("remote logout failed, clearing session locally",
				slog.String("error", err.Error()))
		}

		m.pipeline.Disarm()
		storeErr := m.store.Delete(context.WithoutCancel(ctx), repository.KeyUser, m.tokenKey)
		m.dispatch(action{kind: actionLoggedOut})

		if storeErr != nil {
			return nil, fmt.Errorf("session: logout: clearing credentials: %w", storeErr)
		}
		m.logger.Info("signed out")
		return nil, nil
	})
	return err
}

// ClearError dismisses the current error message.
func (m *Manager) ClearError() {
	m.dispatch(action{kind: actionErrorCleared})
}

// Restore checks the Credential Store at process start.
//
// A stored user is loaded immediately so the UI never flashes a signed-out
// screen, then revalidated with getProfile. An AuthFault during revalidation
// clears the session; a NetworkFault keeps the restored user (offline start)
// and is returned for logging.
func (m *Manager) Restore(ctx context.Context) error {
	user, token, err := m.loadStored(ctx)
	if err != nil || user == nil || !auth.Usable(token, time.Now(), 0) {
		if err != nil {
			m.logger.Warn("stored session unreadable", slog.String("error", err.Error()))
		}
		if token != "" || user != nil {
			_ = m.store.Delete(ctx, repository.KeyUser, m.tokenKey)
		}
		m.dispatch(action{kind: actionRestored})
		return nil
	}

	m.pipeline.Arm(token)
	m.dispatch(action{kind: actionRestored, user: user})
	m.logger.Info("session restored", slog.String("user_id", user.ID))

	fresh, err := m.backend.GetProfile(ctx)
	switch {
	case err == nil:
		if err := m.saveUser(ctx, fresh); err != nil {
			m.logger.Warn("saving revalidated profile failed", slog.String("error", err.Error()))
		}
		m.dispatch(action{kind: actionRestored, user: fresh})
		return nil
	case apperror.IsAuthFault(err):
		m.invalidate(ctx, "stored session rejected")
		return nil
	default:
		return fmt.Errorf("session: restore: %w", err)
	}
}

// =========================================================================
// INTERNALS
// =========================================================================

// run wraps one remote operation with start/succeeded/failed dispatches and
// per-key single-flight.
func (m *Manager) run(ctx context.Context, key, op string, call func(context.Context) (*model.User, error)) error {
	_, err, shared := m.flights.Do(key, func() (any, error) {
		m.dispatch(action{kind: actionStart})

		u, err := call(ctx)
		if err != nil {
			m.dispatch(action{kind: actionFailed, message: apperror.UserMessage(err)})
			m.logger.Info("session operation failed", slog.String("op", op), slog.String("error", err.Error()))
			return nil, err
		}
		m.dispatch(action{kind: actionSucceeded, user: u})
		return u, nil
	})
	if shared {
		m.logger.Debug("session operation coalesced", slog.String("key", key))
	}
	if err != nil {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	return nil
}

// establish persists a fresh login and arms the pipeline.
func (m *Manager) establish(ctx context.Context, res *api.AuthResult) (*model.User, error) {
	if res == nil || res.User == nil || res.Token == "" {
		return nil, apperror.WithMessage(apperror.ErrValidation, "the server returned an incomplete sign-in response")
	}
	if err := m.store.Set(ctx, m.tokenKey, res.Token); err != nil {
		return nil, fmt.Errorf("saving token: %w", err)
	}
	if err := m.saveUser(ctx, res.User); err != nil {
		return nil, err
	}
	m.pipeline.Arm(res.Token)
	m.logger.Info("signed in", slog.String("user_id", res.User.ID))
	return res.User, nil
}

func (m *Manager) saveUser(ctx context.Context, u *model.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	if err := m.store.Set(ctx, repository.KeyUser, string(raw)); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

func (m *Manager) loadStored(ctx context.Context) (*model.User, string, error) {
	token, err := m.store.Get(ctx, m.tokenKey)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return nil, "", err
	}

	raw, err := m.store.Get(ctx, repository.KeyUser)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, token, nil
	}
	if err != nil {
		return nil, token, err
	}

	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, token, fmt.Errorf("decoding stored user: %w", err)
	}
	return &u, token, nil
}

// checkAuth signals an invalidation when an authenticated call reports an
// AuthFault. The Manager's own subscriber then clears the session.
func (m *Manager) checkAuth(ctx context.Context, err error) error {
	if err != nil && apperror.IsAuthFault(err) {
		m.invalidate(ctx, err.Error())
	}
	return err
}

func (m *Manager) invalidate(ctx context.Context, reason string) {
	if m.invalid != nil {
		m.invalid.Invalidate(context.WithoutCancel(ctx), reason)
		return
	}
	m.broker.Publish(guard.Invalidation{Reason: reason, At: time.Now()})
}

// flightKey names a single-flight call by op and every argument, so only
// identical calls share a result. Arguments are digested so no secret is
// kept in the key.
func flightKey(op string, args ...string) string {
	h, _ := blake2b.New256(nil)
	for _, a := range args {
		fmt.Fprintf(h, "%d:%s", len(a), a)
	}
	return op + ":" + hex.EncodeToString(h.Sum(nil))
}

// onInvalidated is the Manager's invalidation subscriber. It is idempotent.
func (m *Manager) onInvalidated(inv guard.Invalidation) {
	m.logger.Debug("clearing session", slog.String("reason", inv.Reason))
	m.pipeline.Disarm()
	if err := m.store.Delete(context.Background(), repository.KeyUser, m.tokenKey); err != nil {
		m.logger.Error("clearing credentials after invalidation failed", slog.String("error", err.Error()))
	}
	m.dispatch(action{kind: actionInvalidated, message: ExpiredMessage})
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperror.ValidationFailed("email", "invalid email format")
	}
	return nil
}
