// Package queue keeps the patient's live queue position fresh.
//
// The Synchronizer holds at most one tracked appointment. Every trigger
// (screen focus, manual pull, interval tick) funnels into Refresh, which is
// single-flight: while a fetch is in flight, further triggers join it instead
// of starting another one.
//
// SNAPSHOT RULES:
//   - A successful refresh replaces the snapshot wholesale; fields are never
//     merged, so a partial response cannot leave stale values behind.
//   - Every fetch carries a sequence number and only a result newer than the
//     last applied one is kept.
//   - Results are applied only while someone still wants them: a refresh
//     started from a View is discarded if the View closed in the meantime.
//   - The only local mutation is the optimistic waiting → cancelled step of
//     Cancel, recorded with PhasePending until the server acknowledges it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sakif/queue-companion/internal/api"
	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/guard"
	"github.com/sakif/queue-companion/internal/model"
)

// Backend is the slice of the appointment service the Synchronizer uses.
type Backend interface {
	GetQueueStatus(ctx context.Context, appointmentID string) (*model.Appointment, error)
	GetAppointments(ctx context.Context) ([]model.Appointment, error)
	CancelAppointment(ctx context.Context, id string) error
}

var _ Backend = (*api.Client)(nil)

// Reason says what asked for a refresh.
type Reason string

const (
	ReasonFocus    Reason = "focus"
	ReasonManual   Reason = "manual"
	ReasonInterval Reason = "interval"
)

// ParseReason maps a query parameter onto a Reason; anything else is manual.
func ParseReason(s string) Reason {
	switch Reason(s) {
	case ReasonFocus, ReasonInterval:
		return Reason(s)
	default:
		return ReasonManual
	}
}

type Options struct {
	// FocusThrottle is the minimum spacing between focus-triggered refreshes.
	// Zero disables throttling.
	FocusThrottle time.Duration
	// ElapsedTick is how often View.WatchElapsed recomputes. Zero means one minute.
	ElapsedTick time.Duration
	// OnAuthFailure is the re-login prompt.
	OnAuthFailure func()
	// Index receives every appointment the Synchronizer sees. May be nil.
	Index *AppointmentIndex
}

type Synchronizer struct {
	backend Backend
	guard   *guard.Guard
	logger  *slog.Logger
	index   *AppointmentIndex
	prompt  func()
	focus   *rate.Limiter
	tick    time.Duration
	now     func() time.Time

	flights singleflight.Group

	mu      sync.Mutex
	current *model.Appointment
	phase   model.Phase
	lastErr error
	issued  uint64 // last fetch sequence number handed out
	applied uint64 // sequence number of the snapshot currently held

	pollMu   sync.Mutex
	stopPoll context.CancelFunc
	pollDone chan struct{}
}

func New(backend Backend, g *guard.Guard, opts Options, logger *slog.Logger) *Synchronizer {
	s := &Synchronizer{
		backend: backend,
		guard:   g,
		logger:  logger,
		index:   opts.Index,
		prompt:  opts.OnAuthFailure,
		tick:    opts.ElapsedTick,
		now:     time.Now,
	}
	if s.tick <= 0 {
		s.tick = time.Minute
	}
	if opts.FocusThrottle > 0 {
		s.focus = rate.NewLimiter(rate.Every(opts.FocusThrottle), 1)
	}
	return s
}

// =========================================================================
// TRACKING
// =========================================================================

// Track makes a the active appointment, e.g. right after a booking succeeds.
func (s *Synchronizer) Track(a model.Appointment) {
	s.mu.Lock()
	cp := a
	s.current = &cp
	s.phase = model.PhaseConfirmed
	s.lastErr = nil
	s.applied = s.issued
	s.mu.Unlock()

	s.remember(a)
	s.logger.Info("tracking appointment", slog.String("appointment_id", a.ID))
}

// Untrack forgets the active appointment. In-flight results for it are dropped.
func (s *Synchronizer) Untrack() {
	s.mu.Lock()
	s.current = nil
	s.lastErr = nil
	s.applied = s.issued
	s.mu.Unlock()
}

// Snapshot returns the tracked appointment and its phase.
func (s *Synchronizer) Snapshot() (model.Appointment, model.Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.Appointment{}, "", false
	}
	return *s.current, s.phase, true
}

// Display returns the tracked appointment with its derived fields.
func (s *Synchronizer) Display() (Display, bool) {
	a, phase, ok := s.Snapshot()
	if !ok {
		return Display{}, false
	}
	return Describe(a, phase, s.now()), true
}

// LastError is the most recent non-auth failure, cleared by the next success.
func (s *Synchronizer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LoadActive discovers the patient's active appointment from the backend and
// tracks it (most recent active booking wins). It reports whether one was found.
func (s *Synchronizer) LoadActive(ctx context.Context) (bool, error) {
	list, ok, err := guard.Run(ctx, s.guard, s.backend.GetAppointments, s.prompt)
	if err != nil {
		s.setErr(err)
		return false, fmt.Errorf("queue: load active: %w", err)
	}
	if !ok {
		return false, nil
	}

	for _, a := range list {
		s.remember(a)
	}

	active := make([]model.Appointment, 0, len(list))
	for _, a := range list {
		if a.Status.Active() {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		s.Untrack()
		return false, nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
	s.Track(active[0])
	return true, nil
}

// =========================================================================
// REFRESH
// =========================================================================

type fetched struct {
	seq  uint64
	id   string
	appt *model.Appointment
	ok   bool
}

func alwaysAlive() bool { return true }

// Refresh fetches the live status of the tracked appointment. Without one it
// returns immediately and makes no network call.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.refresh(ctx, alwaysAlive)
}

// Trigger is the entry point for refresh triggers. Focus triggers closer
// together than the configured throttle are dropped.
func (s *Synchronizer) Trigger(ctx context.Context, reason Reason) error {
	return s.trigger(ctx, reason, alwaysAlive)
}

func (s *Synchronizer) trigger(ctx context.Context, reason Reason, alive func() bool) error {
	if reason == ReasonFocus && s.focus != nil && !s.focus.Allow() {
		s.logger.Debug("focus refresh throttled")
		return nil
	}
	return s.refresh(ctx, alive)
}

func (s *Synchronizer) refresh(ctx context.Context, alive func() bool) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	id := s.current.ID
	s.mu.Unlock()

	ch := s.flights.DoChan("refresh:"+id, func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), id)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !alive() {
		s.logger.Debug("discarding refresh result for a closed view", slog.String("appointment_id", id))
		return nil
	}
	if res.Err != nil {
		s.setErr(res.Err)
		return fmt.Errorf("queue: refresh: %w", res.Err)
	}
	s.apply(res.Val.(fetched))
	return nil
}

// fetch runs inside the single flight. It does not touch the snapshot;
// each waiting caller decides whether to apply the result.
func (s *Synchronizer) fetch(ctx context.Context, id string) (fetched, error) {
	s.mu.Lock()
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	appt, ok, err := guard.Run(ctx, s.guard, func(ctx context.Context) (*model.Appointment, error) {
		return s.backend.GetQueueStatus(ctx, id)
	}, s.prompt)
	if err != nil {
		return fetched{}, err
	}
	return fetched{seq: seq, id: id, appt: appt, ok: ok}, nil
}

func (s *Synchronizer) apply(f fetched) {
	if !f.ok || f.appt == nil {
		// Auth failure: keep the previous snapshot, the prompt already fired.
		return
	}

	s.mu.Lock()
	if s.current == nil || s.current.ID != f.id || f.seq <= s.applied {
		s.mu.Unlock()
		s.logger.Debug("dropping stale queue status", slog.String("appointment_id", f.id))
		return
	}
	if s.phase != model.PhasePending && f.appt.Status.Rank() < s.current.Status.Rank() {
		local := s.current.Status
		s.mu.Unlock()
		s.logger.Warn("dropping queue status that moves backwards",
			slog.String("appointment_id", f.id),
			slog.String("local", string(local)),
			slog.String("server", string(f.appt.Status)),
		)
		return
	}
	if s.phase == model.PhasePending && s.current.Status != f.appt.Status {
		s.logger.Warn("server disagrees with pending local change",
			slog.String("appointment_id", f.id),
			slog.String("local", string(s.current.Status)),
			slog.String("server", string(f.appt.Status)),
		)
	}
	cp := *f.appt
	s.current = &cp
	s.phase = model.PhaseConfirmed
	s.applied = f.seq
	s.lastErr = nil
	s.mu.Unlock()

	s.remember(cp)
}

// =========================================================================
// CANCEL
// =========================================================================

// Cancel cancels the tracked appointment.
//
// The local status flips to cancelled (PhasePending) before the remote call.
// What happens next depends on the outcome:
//
//	success                      → PhaseConfirmed
//	NetworkFault / NotFound      → stays cancelled, error returned and kept in LastError
//	Conflict / Validation        → rolled back to the previous snapshot
//	AuthFault                    → stays cancelled, re-login prompt
func (s *Synchronizer) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.current == nil || s.current.ID != id {
		s.mu.Unlock()
		return apperror.NotFound("appointment", id)
	}
	if s.current.Status != model.StatusWaiting {
		status := s.current.Status
		s.mu.Unlock()
		return apperror.ValidationFailed("status", fmt.Sprintf("a %s appointment cannot be cancelled", status))
	}
	prev := *s.current
	prevPhase := s.phase
	s.current.Status = model.StatusCancelled
	s.phase = model.PhasePending
	s.applied = s.issued
	s.mu.Unlock()

	_, ok, err := guard.Run(ctx, s.guard, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.CancelAppointment(ctx, id)
	}, s.prompt)

	switch {
	case err == nil && ok:
		s.mu.Lock()
		if s.current != nil && s.current.ID == id && s.current.Status == model.StatusCancelled {
			s.phase = model.PhaseConfirmed
			s.lastErr = nil
		}
		s.mu.Unlock()
		if a, _, tracked := s.Snapshot(); tracked {
			s.remember(a)
		}
		s.logger.Info("appointment cancelled", slog.String("appointment_id", id))
		return nil

	case err == nil:
		return nil

	case errors.Is(err, apperror.ErrConflict) || errors.Is(err, apperror.ErrValidation) || errors.Is(err, apperror.ErrForbidden):
		s.mu.Lock()
		if s.current != nil && s.current.ID == id && s.phase == model.PhasePending {
			s.current = &prev
			s.phase = prevPhase
		}
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Info("cancel rejected, rolled back", slog.String("appointment_id", id), slog.String("error", err.Error()))
		return fmt.Errorf("queue: cancel: %w", err)

	default:
		s.setErr(err)
		s.logger.Warn("cancel not confirmed, keeping local cancellation",
			slog.String("appointment_id", id), slog.String("error", err.Error()))
		return fmt.Errorf("queue: cancel: %w", err)
	}
}

// =========================================================================
// INTERVAL POLLING
// =========================================================================

// Start polls every interval until Stop or ctx is done. A second Start
// replaces the first poller.
func (s *Synchronizer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.pollMu.Lock()
	s.stopPoll = cancel
	s.pollDone = done
	s.pollMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Trigger(ctx, ReasonInterval); err != nil && ctx.Err() == nil {
					s.logger.Warn("interval refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	s.logger.Info("queue polling started", slog.Duration("interval", interval))
}

// Stop halts the poller and waits for it to exit.
func (s *Synchronizer) Stop() {
	s.pollMu.Lock()
	cancel, done := s.stopPoll, s.pollDone
	s.stopPoll, s.pollDone = nil, nil
	s.pollMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Synchronizer) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Synchronizer) remember(a model.Appointment) {
	if s.index != nil {
		s.index.Put(a)
	}
}
