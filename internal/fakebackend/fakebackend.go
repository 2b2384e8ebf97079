// Package fakebackend is an in-memory stand-in for the hospital backend.
//
// It speaks exactly the HTTP contract the companion's api package expects,
// and adds hooks that real servers do not have: forced failures, holding a
// route open, revoking every token and counting calls. Package tests across
// the module start one with httptest.NewServer(b.Handler()); cmd/fakebackend
// serves it for local UI work.
package fakebackend

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/sakif/queue-companion/internal/auth"
	"github.com/sakif/queue-companion/internal/model"
)

// Secret signs fake-backend tokens. It is not a secret in any real sense.
const Secret = "fake-backend-signing-secret-0001"

type account struct {
	user         model.User
	passwordHash string
}

// Backend holds all fake server state behind one mutex.
type Backend struct {
	mu sync.Mutex

	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger

	accounts     map[string]*account // by user ID
	byIdentifier map[string]string   // phone or email → user ID
	issued       map[string]string   // live token → user ID

	appointments  map[string]*model.Appointment
	apptOwner     map[string]string
	notifications map[string][]model.Notification // by user ID

	failures map[string][]int         // route key → statuses to return next
	holds    map[string]chan struct{} // route key → closed when released
	calls    map[string]int

	router chi.Router
}

// Options tunes a Backend. Zero values are fine.
type Options struct {
	TokenTTL   time.Duration
	BcryptCost int
}

// New builds a Backend and its router.
func New(opts Options, logger *slog.Logger) (*Backend, error) {
	tokens, err := auth.NewTokenService(Secret, opts.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("fakebackend: %w", err)
	}
	b := &Backend{
		tokens:        tokens,
		passwords:     auth.NewPasswordService(opts.BcryptCost),
		logger:        logger,
		accounts:      make(map[string]*account),
		byIdentifier:  make(map[string]string),
		issued:        make(map[string]string),
		appointments:  make(map[string]*model.Appointment),
		apptOwner:     make(map[string]string),
		notifications: make(map[string][]model.Notification),
		failures:      make(map[string][]int),
		holds:         make(map[string]chan struct{}),
		calls:         make(map[string]int),
	}
	b.routes()
	return b, nil
}

// Handler returns the HTTP handler serving the backend contract.
func (b *Backend) Handler() http.Handler {
	return b.router
}

func (b *Backend) routes() {
	r := chi.NewRouter()

	r.Post("/auth/login", b.route("POST /auth/login", false, b.handleLogin))
	r.Post("/auth/register", b.route("POST /auth/register", false, b.handleRegister))
	r.Get("/auth/profile", b.route("GET /auth/profile", true, b.handleGetProfile))
	r.Put("/auth/profile", b.route("PUT /auth/profile", true, b.handleUpdateProfile))
	r.Post("/auth/change-password", b.route("POST /auth/change-password", true, b.handleChangePassword))
	r.Post("/auth/logout", b.route("POST /auth/logout", true, b.handleLogout))

	r.Get("/queue/status", b.route("GET /queue/status", true, b.handleQueueStatus))
	r.Get("/appointments", b.route("GET /appointments", true, b.handleAppointments))
	r.Post("/appointments/{id}/cancel", b.route("POST /appointments/{id}/cancel", true, b.handleCancel))

	r.Get("/notifications", b.route("GET /notifications", true, b.handleNotifications))
	r.Post("/notifications/{id}/read", b.route("POST /notifications/{id}/read", true, b.handleMarkRead))
	r.Delete("/notifications/{id}", b.route("DELETE /notifications/{id}", true, b.handleDeleteNotification))
	r.Delete("/notifications", b.route("DELETE /notifications", true, b.handleDeleteAll))

	b.router = r
}

// authedHandler receives the caller's user ID ("" on public routes).
type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// route wraps a handler with call counting, holds, injected failures and
// (for protected routes) bearer-token authentication.
func (b *Backend) route(key string, protected bool, h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.logger.Debug("fake backend request", slog.String("route", key))

		b.mu.Lock()
		b.calls[key]++
		hold := b.holds[key]
		b.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}

		b.mu.Lock()
		var forced int
		if q := b.failures[key]; len(q) > 0 {
			forced, b.failures[key] = q[0], q[1:]
		}
		b.mu.Unlock()

		if forced != 0 {
			writeFailure(w, forced, http.StatusText(forced))
			return
		}

		var userID string
		if protected {
			var ok bool
			if userID, ok = b.authenticate(r); !ok {
				writeFailure(w, http.StatusUnauthorized, "token expired")
				return
			}
		}
		h(w, r, userID)
	}
}

// =========================================================================
// TEST HOOKS
// =========================================================================

// FailNext makes the next len(statuses) calls of route key fail with those statuses.
// Keys look like "GET /queue/status" or "POST /appointments/{id}/cancel".
func (b *Backend) FailNext(key string, statuses ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[key] = append(b.failures[key], statuses...)
}

// Hold makes calls to key block until the returned release func is called.
func (b *Backend) Hold(key string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holds[key] = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.holds, key)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many requests reached route key.
func (b *Backend) Calls(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[key]
}

// ExpireTokens revokes every token issued so far.
func (b *Backend) ExpireTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.issued = make(map[string]string)
}

// IssueToken signs a token for an existing user, as if they had logged in.
func (b *Backend) IssueToken(userID string) (string, error) {
	tok, err := b.tokens.Generate(userID)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.issued[tok] = userID
	b.mu.Unlock()
	return tok, nil
}

// AddUser creates an account and returns its profile.
func (b *Backend) AddUser(name, phone, secret string) (model.User, error) {
	hash, err := b.passwords.Hash(secret)
	if err != nil {
		return model.User{}, err
	}
	u := model.User{ID: xid.New().String(), Name: name, Phone: phone}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[u.ID] = &account{user: u, passwordHash: hash}
	b.byIdentifier[phone] = u.ID
	return u, nil
}

// AddAppointment stores an appointment owned by userID. An empty ID is generated.
func (b *Backend) AddAppointment(userID string, a model.Appointment) model.Appointment {
	if a.ID == "" {
		a.ID = xid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.StatusWaiting
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	stored := a
	b.appointments[a.ID] = &stored
	b.apptOwner[a.ID] = userID
	return a
}

// SetQueuePosition moves an appointment within its queue.
func (b *Backend) SetQueuePosition(appointmentID string, position, total int, status model.QueueStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.appointments[appointmentID]; ok {
		a.Position = position
		a.TotalInQueue = total
		if status != "" {
			a.Status = status
		}
	}
}

// Appointment returns the server's copy of an appointment.
func (b *Backend) Appointment(id string) (model.Appointment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.appointments[id]
	if !ok {
		return model.Appointment{}, false
	}
	return *a, true
}

// AddNotification stores a notification for userID. An empty ID is generated.
func (b *Backend) AddNotification(userID string, n model.Notification) model.Notification {
	if n.ID == "" {
		n.ID = xid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications[userID] = append(b.notifications[userID], n)
	return n
}

// Notifications returns the server's copy of userID's notifications, newest first.
func (b *Backend) Notifications(userID string) []model.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]model.Notification(nil), b.notifications[userID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
