package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/queue"
)

// Queue is the slice of *queue.Synchronizer the queue endpoints use.
// Attach hands out a LiveView per request.
type Queue interface {
	Display() (queue.Display, bool)
	LastError() error
	LoadActive(ctx context.Context) (bool, error)
	Attach() LiveView
	Cancel(ctx context.Context, id string) error
}

// LiveView is one request's attachment to the queue. Results arriving after
// Close are discarded.
type LiveView interface {
	Trigger(ctx context.Context, reason queue.Reason) error
	WatchElapsed(fn func(queue.Display))
	Close()
}

var _ LiveView = (*queue.View)(nil)

// QueueView is the body of every queue response. Display is nil while no
// appointment is tracked.
type QueueView struct {
	Display *queue.Display `json:"display"`
	Error   string         `json:"error,omitempty"`
}

type QueueHandler struct {
	queue  Queue
	logger *slog.Logger
}

func NewQueueHandler(q Queue, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{queue: q, logger: logger}
}

// Routes mounts the handler under /queue.
//
//	GET  /queue
//	POST /queue/active
//	GET  /queue/watch
//	POST /queue/refresh?trigger=focus|manual
//	POST /queue/{id}/cancel
func (h *QueueHandler) Routes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.HandleView)
		r.Get("/watch", h.HandleWatch)
		r.Post("/active", h.HandleLoadActive)
		r.Post("/refresh", h.HandleRefresh)
		r.Post("/{id}/cancel", h.HandleCancel)
	})
}

func (h *QueueHandler) view() QueueView {
	var v QueueView
	if d, ok := h.queue.Display(); ok {
		v.Display = &d
	}
	if err := h.queue.LastError(); err != nil {
		v.Error = apperror.UserMessage(err)
	}
	return v
}

// HandleView returns the derived view of the tracked appointment: ordinal,
// progress, ETA, status label and elapsed time.
//
// HTTP: GET /api/queue
func (h *QueueHandler) HandleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view())
}

// HandleLoadActive looks up the patient's active appointment and tracks it.
//
// HTTP: POST /api/queue/active
func (h *QueueHandler) HandleLoadActive(w http.ResponseWriter, r *http.Request) {
	if _, err := h.queue.LoadActive(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

// HandleRefresh asks for a fresh status. trigger=focus is subject to the
// focus throttle; anything else counts as a manual refresh. The refresh runs
// through a view that closes when the client goes away, so a late result for
// a dropped request is discarded.
//
// HTTP: POST /api/queue/refresh?trigger=focus
func (h *QueueHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	reason := queue.ParseReason(r.URL.Query().Get("trigger"))

	v := h.queue.Attach()
	defer v.Close()
	stop := context.AfterFunc(r.Context(), v.Close)
	defer stop()

	if err := v.Trigger(r.Context(), reason); err != nil {
		h.logger.Debug("queue refresh failed", slog.String("trigger", string(reason)), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

// HandleWatch streams the derived view as server-sent events: once right
// away, then on every elapsed-time tick until the client disconnects. Nothing
// is sent while no appointment is tracked. A slow client skips ticks.
//
// HTTP: GET /api/queue/watch
func (h *QueueHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	v := h.queue.Attach()
	defer v.Close()

	updates := make(chan queue.Display, 1)
	v.WatchElapsed(func(d queue.Display) {
		select {
		case updates <- d:
		default:
		}
	})

	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("clearing write deadline for queue stream", slog.String("error", err.Error()))
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("queue stream cannot flush", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case d := <-updates:
			body, err := json.Marshal(d)
			if err != nil {
				h.logger.Error("encoding queue stream event", slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// HandleCancel cancels an appointment.
//
// HTTP: POST /api/queue/{id}/cancel
func (h *QueueHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, apperror.ValidationFailed("id", "appointment id is required"))
		return
	}
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}
