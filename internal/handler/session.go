package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/queue-companion/internal/model"
	"github.com/sakif/queue-companion/internal/session"
)

// Session is what the session endpoints need. *session.Manager covers all of
// it except Logout and ReloginRequired, which the app layer adds because they
// reach beyond the session (clearing patient views, tracking prompts).
type Session interface {
	State() session.State
	Login(ctx context.Context, identifier, secret string) error
	Register(ctx context.Context, reg model.Registration, secret string) error
	Logout(ctx context.Context) error
	UpdateProfile(ctx context.Context, update model.ProfileUpdate) error
	RefreshProfile(ctx context.Context) error
	ChangePassword(ctx context.Context, oldSecret, newSecret string) error
	ClearError()
	ReloginRequired() bool
}

// SessionView is the body of every session response.
type SessionView struct {
	session.State
	ReloginRequired bool `json:"relogin_required"`
}

type SessionHandler struct {
	session Session
	logger  *slog.Logger
}

func NewSessionHandler(s Session, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{session: s, logger: logger}
}

// Routes mounts the handler under /session.
//
//	GET    /session
//	POST   /session/login
//	POST   /session/register
//	POST   /session/logout
//	PUT    /session/profile
//	POST   /session/profile/refresh
//	PUT    /session/password
//	DELETE /session/error
func (h *SessionHandler) Routes(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.HandleState)
		r.Post("/login", h.HandleLogin)
		r.Post("/register", h.HandleRegister)
		r.Post("/logout", h.HandleLogout)
		r.Put("/profile", h.HandleUpdateProfile)
		r.Post("/profile/refresh", h.HandleRefreshProfile)
		r.Put("/password", h.HandleChangePassword)
		r.Delete("/error", h.HandleClearError)
	})
}

func (h *SessionHandler) view() SessionView {
	return SessionView{State: h.session.State(), ReloginRequired: h.session.ReloginRequired()}
}

// respond writes the fresh state on success and the mapped fault otherwise.
func (h *SessionHandler) respond(w http.ResponseWriter, op string, err error) {
	if err != nil {
		h.logger.Debug("session operation failed", slog.String("op", op), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

// HandleState returns the session snapshot.
//
// HTTP: GET /api/session
func (h *SessionHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view())
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// HandleLogin signs in.
//
// HTTP: POST /api/session/login
// REQUEST BODY: {"identifier": "+8801700000000", "password": "..."}
func (h *SessionHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, "login", h.session.Login(r.Context(), req.Identifier, req.Password))
}

type registerRequest struct {
	model.Registration
	Password string `json:"password"`
}

// HandleRegister creates an account and signs it in.
//
// HTTP: POST /api/session/register
func (h *SessionHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, "register", h.session.Register(r.Context(), req.Registration, req.Password))
}

// HandleLogout signs out. The local session is cleared even when the backend
// cannot be reached, so this only fails on a local storage error.
//
// HTTP: POST /api/session/logout
func (h *SessionHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "logout", h.session.Logout(r.Context()))
}

// HandleUpdateProfile applies a partial profile change.
//
// HTTP: PUT /api/session/profile
// REQUEST BODY: any subset of {"name", "email", "date_of_birth", "gender", "address"}
func (h *SessionHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var update model.ProfileUpdate
	if !decode(w, r, &update) {
		return
	}
	h.respond(w, "update profile", h.session.UpdateProfile(r.Context(), update))
}

// HandleRefreshProfile reloads the profile from the backend.
//
// HTTP: POST /api/session/profile/refresh
func (h *SessionHandler) HandleRefreshProfile(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "refresh profile", h.session.RefreshProfile(r.Context()))
}

type changePasswordRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
}

// HandleChangePassword replaces the account password.
//
// HTTP: PUT /api/session/password
func (h *SessionHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, "change password", h.session.ChangePassword(r.Context(), req.Current, req.New))
}

// HandleClearError dismisses the last session error.
//
// HTTP: DELETE /api/session/error
func (h *SessionHandler) HandleClearError(w http.ResponseWriter, r *http.Request) {
	h.session.ClearError()
	writeJSON(w, http.StatusOK, h.view())
}
