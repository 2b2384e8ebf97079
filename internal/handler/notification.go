package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/queue-companion/internal/model"
	"github.com/sakif/queue-companion/internal/notification"
)

// Notifications is the slice of *notification.Aggregator the endpoints use.
type Notifications interface {
	State() notification.State
	Appointment(n model.Notification) (model.Appointment, bool)
	Fetch(ctx context.Context) error
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	ClearAll(ctx context.Context) error
	SetSelection(ids []string)
	MarkSelectedRead(ctx context.Context) error
	DeleteSelected(ctx context.Context) error
}

// NotificationView is one list row, with the related appointment attached
// when the client has seen it.
type NotificationView struct {
	notification.Item
	Appointment *model.Appointment `json:"appointment,omitempty"`
}

// NotificationsView is the body of every notification response.
type NotificationsView struct {
	Items    []NotificationView `json:"items"`
	Loading  bool               `json:"loading"`
	Selected []string           `json:"selected"`
	Unread   int                `json:"unread"`
	Error    string             `json:"error,omitempty"`
}

type NotificationHandler struct {
	notifications Notifications
	logger        *slog.Logger
}

func NewNotificationHandler(n Notifications, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: n, logger: logger}
}

// Routes mounts the handler under /notifications.
//
//	GET    /notifications
//	POST   /notifications/refresh
//	POST   /notifications/read-all
//	DELETE /notifications              ?mode=each deletes one by one
//	PUT    /notifications/selection
//	POST   /notifications/selection/read
//	DELETE /notifications/selection
//	POST   /notifications/{id}/read
//	DELETE /notifications/{id}
func (h *NotificationHandler) Routes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/refresh", h.HandleRefresh)
		r.Post("/read-all", h.HandleMarkAllRead)
		r.Delete("/", h.HandleDeleteAll)

		r.Put("/selection", h.HandleSelect)
		r.Post("/selection/read", h.HandleMarkSelectedRead)
		r.Delete("/selection", h.HandleDeleteSelected)

		r.Post("/{id}/read", h.HandleMarkRead)
		r.Delete("/{id}", h.HandleDelete)
	})
}

func (h *NotificationHandler) view() NotificationsView {
	st := h.notifications.State()
	v := NotificationsView{
		Items:    make([]NotificationView, 0, len(st.Items)),
		Loading:  st.Loading,
		Selected: st.Selected,
		Unread:   st.Unread,
		Error:    st.Error,
	}
	for _, it := range st.Items {
		row := NotificationView{Item: it}
		if a, ok := h.notifications.Appointment(it.Notification); ok {
			row.Appointment = &a
		}
		v.Items = append(v.Items, row)
	}
	return v
}

// respond writes the list after op, or the mapped fault. Partial bulk
// failures still carry the failed ids (see writeError).
func (h *NotificationHandler) respond(w http.ResponseWriter, op string, err error) {
	if err != nil {
		h.logger.Debug("notification operation failed", slog.String("op", op), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

// HandleList returns the cached list, newest first.
//
// HTTP: GET /api/notifications
func (h *NotificationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view())
}

// HTTP: POST /api/notifications/refresh
func (h *NotificationHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "refresh", h.notifications.Fetch(r.Context()))
}

// HTTP: POST /api/notifications/{id}/read
func (h *NotificationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "mark read", h.notifications.MarkRead(r.Context(), chi.URLParam(r, "id")))
}

// HTTP: POST /api/notifications/read-all
func (h *NotificationHandler) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "mark all read", h.notifications.MarkAllRead(r.Context()))
}

// HTTP: DELETE /api/notifications/{id}
func (h *NotificationHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "delete", h.notifications.Delete(r.Context(), chi.URLParam(r, "id")))
}

// HandleDeleteAll empties the list. By default one backend call clears
// everything; mode=each deletes item by item so one failure leaves the
// others deleted.
//
// HTTP: DELETE /api/notifications
func (h *NotificationHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("mode") == "each" {
		h.respond(w, "delete all", h.notifications.DeleteAll(r.Context()))
		return
	}
	h.respond(w, "clear all", h.notifications.ClearAll(r.Context()))
}

type selectionRequest struct {
	IDs []string `json:"ids"`
}

// HandleSelect replaces the selection.
//
// HTTP: PUT /api/notifications/selection
// REQUEST BODY: {"ids": ["n-1", "n-2"]}
func (h *NotificationHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if !decode(w, r, &req) {
		return
	}
	h.notifications.SetSelection(req.IDs)
	writeJSON(w, http.StatusOK, h.view())
}

// HTTP: POST /api/notifications/selection/read
func (h *NotificationHandler) HandleMarkSelectedRead(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "mark selected read", h.notifications.MarkSelectedRead(r.Context()))
}

// HTTP: DELETE /api/notifications/selection
func (h *NotificationHandler) HandleDeleteSelected(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "delete selected", h.notifications.DeleteSelected(r.Context()))
}
