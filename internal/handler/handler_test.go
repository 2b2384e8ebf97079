package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/handler"
	"github.com/sakif/queue-companion/internal/model"
	"github.com/sakif/queue-companion/internal/notification"
	"github.com/sakif/queue-companion/internal/queue"
	"github.com/sakif/queue-companion/internal/session"
)

// =========================================================================
// FAKES
// =========================================================================

type fakeSession struct {
	state   session.State
	relogin bool
	err     error

	loginID     string
	loginSecret string
	registered  model.Registration
	update      model.ProfileUpdate
	oldSecret   string
	newSecret   string
	loggedOut   bool
	cleared     bool
}

func (f *fakeSession) State() session.State  { return f.state }
func (f *fakeSession) ReloginRequired() bool { return f.relogin }

func (f *fakeSession) ClearError() {
	f.cleared = true
	f.state.Error = ""
}

func (f *fakeSession) Login(_ context.Context, id, secret string) error {
	f.loginID, f.loginSecret = id, secret
	if f.err != nil {
		return f.err
	}
	f.state = session.State{User: &model.User{ID: "u-1", Name: "Rahim"}, Status: session.StatusAuthenticated}
	return nil
}

func (f *fakeSession) Register(_ context.Context, reg model.Registration, _ string) error {
	f.registered = reg
	return f.err
}

func (f *fakeSession) Logout(context.Context) error {
	f.loggedOut = true
	f.state = session.State{Status: session.StatusUnauthenticated}
	return f.err
}

func (f *fakeSession) UpdateProfile(_ context.Context, u model.ProfileUpdate) error {
	f.update = u
	return f.err
}

func (f *fakeSession) RefreshProfile(context.Context) error { return f.err }

func (f *fakeSession) ChangePassword(_ context.Context, oldSecret, newSecret string) error {
	f.oldSecret, f.newSecret = oldSecret, newSecret
	return f.err
}

type fakeQueue struct {
	display   *queue.Display
	lastErr   error
	err       error
	reason    queue.Reason
	cancelled string
	view      *fakeView
}

type fakeView struct {
	q      *fakeQueue
	closed atomic.Bool
}

func (v *fakeView) Trigger(_ context.Context, r queue.Reason) error {
	v.q.reason = r
	return v.q.err
}

func (v *fakeView) WatchElapsed(fn func(queue.Display)) {
	if v.q.display != nil {
		fn(*v.q.display)
	}
}

func (v *fakeView) Close() { v.closed.Store(true) }

func (f *fakeQueue) Display() (queue.Display, bool) {
	if f.display == nil {
		return queue.Display{}, false
	}
	return *f.display, true
}

func (f *fakeQueue) LastError() error { return f.lastErr }

func (f *fakeQueue) LoadActive(context.Context) (bool, error) {
	return f.display != nil, f.err
}

func (f *fakeQueue) Attach() handler.LiveView {
	if f.view == nil {
		f.view = &fakeView{q: f}
	}
	return f.view
}

func (f *fakeQueue) Cancel(_ context.Context, id string) error {
	f.cancelled = id
	return f.err
}

type fakeNotifications struct {
	state    notification.State
	appts    map[string]model.Appointment
	err      error
	calls    []string
	selected []string
}

func (f *fakeNotifications) record(call string) error {
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeNotifications) State() notification.State { return f.state }

func (f *fakeNotifications) Appointment(n model.Notification) (model.Appointment, bool) {
	a, ok := f.appts[n.AppointmentID]
	return a, ok
}

func (f *fakeNotifications) Fetch(context.Context) error       { return f.record("fetch") }
func (f *fakeNotifications) MarkAllRead(context.Context) error { return f.record("read-all") }
func (f *fakeNotifications) DeleteAll(context.Context) error   { return f.record("delete-each") }
func (f *fakeNotifications) ClearAll(context.Context) error    { return f.record("clear") }
func (f *fakeNotifications) SetSelection(ids []string)         { f.selected = ids }

func (f *fakeNotifications) MarkRead(_ context.Context, id string) error {
	return f.record("read " + id)
}

func (f *fakeNotifications) Delete(_ context.Context, id string) error {
	return f.record("delete " + id)
}

func (f *fakeNotifications) MarkSelectedRead(context.Context) error {
	return f.record("read-selected")
}

func (f *fakeNotifications) DeleteSelected(context.Context) error {
	return f.record("delete-selected")
}

// =========================================================================
// HELPERS
// =========================================================================

func newRouter(mount func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", mount)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != "" {
		buf = bytes.NewBufferString(body)
	} else {
		buf = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

var logger = slog.New(slog.DiscardHandler)

// =========================================================================
// ERROR MAPPING
// =========================================================================

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"validation", apperror.ValidationFailed("phone", "phone number is required"), http.StatusBadRequest, "validation_error"},
		{"unauthorized", apperror.Unauthorized("session expired"), http.StatusUnauthorized, "unauthorized"},
		{"forbidden", apperror.Forbidden("not yours"), http.StatusForbidden, "forbidden"},
		{"not found", apperror.NotFound("appointment", "a-1"), http.StatusNotFound, "not_found"},
		{"conflict", apperror.Conflict("appointment", "a-1"), http.StatusConflict, "conflict"},
		{"network", apperror.Network("cancelling appointment", nil), http.StatusServiceUnavailable, "network_unavailable"},
		{"raw error", errors.New("sql: database is locked"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{err: tt.err}
			h := newRouter(handler.NewQueueHandler(q, logger).Routes)

			rr := do(t, h, http.MethodPost, "/api/queue/a-1/cancel", "")

			assert.Equal(t, tt.wantStatus, rr.Code)
			body := decodeBody[handler.ErrorResponse](t, rr)
			assert.Equal(t, tt.wantType, body.Error)
			assert.NotContains(t, body.Message, "sql:")
		})
	}
}

func TestErrorMapping_BulkFailure(t *testing.T) {
	n := &fakeNotifications{err: &notification.BulkError{
		Op:    "deleted",
		Total: 3,
		Failed: map[string]error{
			"n-2": apperror.Network("deleting notification", nil),
		},
	}}
	h := newRouter(handler.NewNotificationHandler(n, logger).Routes)

	rr := do(t, h, http.MethodDelete, "/api/notifications?mode=each", "")

	assert.Equal(t, http.StatusMultiStatus, rr.Code)
	body := decodeBody[handler.ErrorResponse](t, rr)
	assert.Equal(t, "partial_failure", body.Error)
	assert.Equal(t, []string{"n-2"}, body.Failed)
	assert.Equal(t, "1 of 3 notifications could not be deleted", body.Message)
}

// =========================================================================
// SESSION
// =========================================================================

func TestSessionHandler(t *testing.T) {
	t.Run("state includes the re-login flag", func(t *testing.T) {
		s := &fakeSession{state: session.State{Status: session.StatusUnauthenticated}, relogin: true}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		rr := do(t, h, http.MethodGet, "/api/session", "")

		require.Equal(t, http.StatusOK, rr.Code)
		v := decodeBody[handler.SessionView](t, rr)
		assert.True(t, v.ReloginRequired)
		assert.Equal(t, session.StatusUnauthenticated, v.Status)
	})

	t.Run("login returns the new state", func(t *testing.T) {
		s := &fakeSession{}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		rr := do(t, h, http.MethodPost, "/api/session/login", `{"identifier":"01700000000","password":"hunter22"}`)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "01700000000", s.loginID)
		assert.Equal(t, "hunter22", s.loginSecret)
		v := decodeBody[handler.SessionView](t, rr)
		require.NotNil(t, v.User)
		assert.Equal(t, "u-1", v.User.ID)
	})

	t.Run("rejected login maps to 401", func(t *testing.T) {
		s := &fakeSession{err: apperror.Unauthorized("Invalid credentials")}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		rr := do(t, h, http.MethodPost, "/api/session/login", `{"identifier":"x","password":"y"}`)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "Invalid credentials", decodeBody[handler.ErrorResponse](t, rr).Message)
	})

	t.Run("malformed body is a 400 without calling the session", func(t *testing.T) {
		s := &fakeSession{}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		rr := do(t, h, http.MethodPost, "/api/session/login", `{"identifier":`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, s.loginID)
	})

	t.Run("register flattens the registration fields", func(t *testing.T) {
		s := &fakeSession{}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		rr := do(t, h, http.MethodPost, "/api/session/register",
			`{"name":"Karim","phone":"01800000000","email":"k@example.com","password":"hunter22"}`)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, model.Registration{Name: "Karim", Phone: "01800000000", Email: "k@example.com"}, s.registered)
	})

	t.Run("validation fault carries the field", func(t *testing.T) {
		s := &fakeSession{err: apperror.ValidationFailed("email", "invalid email format")}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		rr := do(t, h, http.MethodPut, "/api/session/profile", `{"email":"nope"}`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "email", decodeBody[handler.ErrorResponse](t, rr).Field)
		require.NotNil(t, s.update.Email)
		assert.Equal(t, "nope", *s.update.Email)
	})

	t.Run("change password", func(t *testing.T) {
		s := &fakeSession{}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		rr := do(t, h, http.MethodPut, "/api/session/password", `{"current_password":"old-one","new_password":"new-one"}`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "old-one", s.oldSecret)
		assert.Equal(t, "new-one", s.newSecret)
	})

	t.Run("logout and clear error", func(t *testing.T) {
		s := &fakeSession{state: session.State{Error: "Session expired"}}
		h := newRouter(handler.NewSessionHandler(s, logger).Routes)

		assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/session/error", "").Code)
		assert.True(t, s.cleared)

		assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/session/logout", "").Code)
		assert.True(t, s.loggedOut)
	})
}

// =========================================================================
// QUEUE
// =========================================================================

func TestQueueHandler(t *testing.T) {
	t.Run("no tracked appointment", func(t *testing.T) {
		h := newRouter(handler.NewQueueHandler(&fakeQueue{}, logger).Routes)

		rr := do(t, h, http.MethodGet, "/api/queue", "")

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Nil(t, decodeBody[handler.QueueView](t, rr).Display)
	})

	t.Run("derived view and last error", func(t *testing.T) {
		appt := model.Appointment{ID: "a-1", Position: 3, TotalInQueue: 10, Status: model.StatusWaiting}
		d := queue.Describe(appt, model.PhaseConfirmed, time.Now())
		q := &fakeQueue{display: &d, lastErr: apperror.Network("fetching queue status", nil)}
		h := newRouter(handler.NewQueueHandler(q, logger).Routes)

		rr := do(t, h, http.MethodGet, "/api/queue", "")

		v := decodeBody[handler.QueueView](t, rr)
		require.NotNil(t, v.Display)
		assert.Equal(t, "3rd", v.Display.Ordinal)
		assert.Equal(t, "network unavailable while fetching queue status", v.Error)
	})

	t.Run("refresh trigger is parsed", func(t *testing.T) {
		tests := []struct {
			query string
			want  queue.Reason
		}{
			{"?trigger=focus", queue.ReasonFocus},
			{"?trigger=manual", queue.ReasonManual},
			{"", queue.ReasonManual},
			{"?trigger=bogus", queue.ReasonManual},
		}
		for _, tt := range tests {
			q := &fakeQueue{}
			h := newRouter(handler.NewQueueHandler(q, logger).Routes)

			rr := do(t, h, http.MethodPost, "/api/queue/refresh"+tt.query, "")

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, tt.want, q.reason, tt.query)
		}
	})

	t.Run("refresh view closes with the request", func(t *testing.T) {
		q := &fakeQueue{}
		h := newRouter(handler.NewQueueHandler(q, logger).Routes)

		rr := do(t, h, http.MethodPost, "/api/queue/refresh", "")

		assert.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, q.view)
		assert.True(t, q.view.closed.Load())
	})

	t.Run("watch streams the view until the client leaves", func(t *testing.T) {
		appt := model.Appointment{ID: "a-1", Position: 2, TotalInQueue: 6, Status: model.StatusWaiting}
		d := queue.Describe(appt, model.PhaseConfirmed, time.Now())
		q := &fakeQueue{display: &d}
		q.view = &fakeView{q: q}
		srv := httptest.NewServer(newRouter(handler.NewQueueHandler(q, logger).Routes))
		t.Cleanup(srv.Close)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/queue/watch", nil)
		require.NoError(t, err)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		line, err := bufio.NewReader(resp.Body).ReadString('\n')
		require.NoError(t, err)
		payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		require.True(t, ok, line)
		var got queue.Display
		require.NoError(t, json.Unmarshal([]byte(payload), &got))
		assert.Equal(t, "2nd", got.Ordinal)

		cancel()
		require.Eventually(t, q.view.closed.Load, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("cancel passes the path id", func(t *testing.T) {
		q := &fakeQueue{}
		h := newRouter(handler.NewQueueHandler(q, logger).Routes)

		rr := do(t, h, http.MethodPost, "/api/queue/a-42/cancel", "")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "a-42", q.cancelled)
	})
}

// =========================================================================
// NOTIFICATIONS
// =========================================================================

func TestNotificationHandler(t *testing.T) {
	t.Run("list attaches known appointments", func(t *testing.T) {
		n := &fakeNotifications{
			state: notification.State{
				Items: []notification.Item{
					{Notification: model.Notification{ID: "n-1", AppointmentID: "a-1"}},
					{Notification: model.Notification{ID: "n-2", AppointmentID: "a-gone"}},
				},
				Unread: 2,
			},
			appts: map[string]model.Appointment{"a-1": {ID: "a-1", DoctorName: "Dr. Hasan"}},
		}
		h := newRouter(handler.NewNotificationHandler(n, logger).Routes)

		rr := do(t, h, http.MethodGet, "/api/notifications", "")

		require.Equal(t, http.StatusOK, rr.Code)
		v := decodeBody[handler.NotificationsView](t, rr)
		require.Len(t, v.Items, 2)
		require.NotNil(t, v.Items[0].Appointment)
		assert.Equal(t, "Dr. Hasan", v.Items[0].Appointment.DoctorName)
		assert.Nil(t, v.Items[1].Appointment)
		assert.Equal(t, 2, v.Unread)
	})

	t.Run("routes reach the right operation", func(t *testing.T) {
		tests := []struct {
			method, path, body string
			want               string
		}{
			{http.MethodPost, "/api/notifications/refresh", "", "fetch"},
			{http.MethodPost, "/api/notifications/n-1/read", "", "read n-1"},
			{http.MethodPost, "/api/notifications/read-all", "", "read-all"},
			{http.MethodDelete, "/api/notifications/n-1", "", "delete n-1"},
			{http.MethodDelete, "/api/notifications", "", "clear"},
			{http.MethodDelete, "/api/notifications?mode=each", "", "delete-each"},
			{http.MethodPost, "/api/notifications/selection/read", "", "read-selected"},
			{http.MethodDelete, "/api/notifications/selection", "", "delete-selected"},
		}
		for _, tt := range tests {
			n := &fakeNotifications{}
			h := newRouter(handler.NewNotificationHandler(n, logger).Routes)

			rr := do(t, h, tt.method, tt.path, tt.body)

			assert.Equal(t, http.StatusOK, rr.Code, tt.path)
			assert.Equal(t, []string{tt.want}, n.calls, tt.path)
		}
	})

	t.Run("selection replaces the set", func(t *testing.T) {
		n := &fakeNotifications{}
		h := newRouter(handler.NewNotificationHandler(n, logger).Routes)

		rr := do(t, h, http.MethodPut, "/api/notifications/selection", `{"ids":["n-1","n-3"]}`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"n-1", "n-3"}, n.selected)
	})

	t.Run("missing notification is a 404", func(t *testing.T) {
		n := &fakeNotifications{err: apperror.NotFound("notification", "n-9")}
		h := newRouter(handler.NewNotificationHandler(n, logger).Routes)

		rr := do(t, h, http.MethodDelete, "/api/notifications/n-9", "")

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
