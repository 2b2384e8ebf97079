package queue

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/queue-companion/internal/api"
	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/auth"
	"github.com/sakif/queue-companion/internal/fakebackend"
	"github.com/sakif/queue-companion/internal/guard"
	"github.com/sakif/queue-companion/internal/model"
	"github.com/sakif/queue-companion/internal/repository"
	"github.com/sakif/queue-companion/internal/repository/memory"
)

// =========================================================================
// HELPERS
// =========================================================================

const (
	statusRoute = "GET /queue/status"
	cancelRoute = "POST /appointments/{id}/cancel"
)

type staticUser struct{ user *model.User }

func (s staticUser) CurrentUser() *model.User { return s.user }

type fixture struct {
	syncer  *Synchronizer
	backend *fakebackend.Backend
	index   *AppointmentIndex
	user    model.User
	appt    model.Appointment
	prompts *atomic.Int32
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	b, url := fakebackend.StartTest(t)
	u, err := b.AddUser("Amina", "0700111222", "secret1")
	require.NoError(t, err)
	appt := b.AddAppointment(u.ID, model.Appointment{
		QueueNumber: 17, Position: 3, TotalInQueue: 10, DoctorName: "Dr. Otieno", EstimatedWaitMinutes: 20,
	})
	token, err := b.IssueToken(u.ID)
	require.NoError(t, err)

	store := memory.New()
	require.NoError(t, store.Set(ctx, repository.DefaultTokenKey, token))
	src := auth.NewTokenSource()
	src.Arm(token)

	client := api.New(url, &http.Client{Timeout: 5 * time.Second}, auth.NewClient(src, nil, 5*time.Second), logger)
	g := guard.New(guard.Config{
		Store:    store,
		Users:    staticUser{user: &u},
		Pipeline: src,
		Broker:   guard.NewBroker(logger),
	}, logger)
	t.Cleanup(g.Close)

	idx, err := NewAppointmentIndex(8)
	require.NoError(t, err)

	f := &fixture{backend: b, index: idx, user: u, appt: appt, prompts: &atomic.Int32{}}
	opts.Index = idx
	opts.OnAuthFailure = func() { f.prompts.Add(1) }
	f.syncer = New(client, g, opts, logger)
	t.Cleanup(f.syncer.Stop)
	return f
}

func waitForCalls(t *testing.T, b *fakebackend.Backend, route string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Calls(route) == n }, 2*time.Second, 5*time.Millisecond)
}

// =========================================================================
// REFRESH
// =========================================================================

func TestRefresh_WithoutAppointmentMakesNoCall(t *testing.T) {
	f := newFixture(t, Options{})

	require.NoError(t, f.syncer.Refresh(context.Background()))

	_, _, ok := f.syncer.Snapshot()
	assert.False(t, ok)
	assert.Equal(t, 0, f.backend.Calls(statusRoute))
}

func TestRefresh_ReplacesSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(model.Appointment{ID: f.appt.ID, Status: model.StatusWaiting, Position: 3, DoctorName: "stale"})
	f.backend.SetQueuePosition(f.appt.ID, 1, 10, model.StatusCalled)

	require.NoError(t, f.syncer.Refresh(context.Background()))

	got, phase, ok := f.syncer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 1, got.Position)
	assert.Equal(t, model.StatusCalled, got.Status)
	assert.Equal(t, "Dr. Otieno", got.DoctorName)
	assert.Equal(t, 17, got.QueueNumber)
	assert.Equal(t, model.PhaseConfirmed, phase)

	d, ok := f.syncer.Display()
	require.True(t, ok)
	assert.Equal(t, "1st", d.Ordinal)

	indexed, ok := f.index.Lookup(f.appt.ID)
	require.True(t, ok)
	assert.Equal(t, 1, indexed.Position)
}

func TestRefresh_NeverMovesStatusBackwards(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	tracked := f.appt
	tracked.Status = model.StatusInProgress
	f.syncer.Track(tracked)

	f.backend.SetQueuePosition(f.appt.ID, 2, 10, model.StatusWaiting)
	require.NoError(t, f.syncer.Refresh(ctx))

	got, phase, ok := f.syncer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, model.PhaseConfirmed, phase)

	f.backend.SetQueuePosition(f.appt.ID, 0, 10, model.StatusCompleted)
	require.NoError(t, f.syncer.Refresh(ctx))

	got, _, _ = f.syncer.Snapshot()
	assert.Equal(t, model.StatusCompleted, got.Status, "forward transitions still apply")
}

func TestRefresh_IsSingleFlight(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)
	release := f.backend.Hold(statusRoute)

	var wg sync.WaitGroup
	refresh := func() {
		defer wg.Done()
		assert.NoError(t, f.syncer.Refresh(context.Background()))
	}

	wg.Add(1)
	go refresh()
	waitForCalls(t, f.backend, statusRoute, 1)

	wg.Add(2)
	go refresh()
	go func() {
		defer wg.Done()
		assert.NoError(t, f.syncer.Trigger(context.Background(), ReasonManual))
	}()
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, f.backend.Calls(statusRoute))
}

func TestRefresh_AuthFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)
	f.backend.SetQueuePosition(f.appt.ID, 1, 10, "")
	f.backend.ExpireTokens()

	require.NoError(t, f.syncer.Refresh(context.Background()))

	got, _, ok := f.syncer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 3, got.Position)
	assert.Equal(t, int32(1), f.prompts.Load())
	assert.NoError(t, f.syncer.LastError())
}

func TestRefresh_NetworkAndNotFoundFaultsPropagate(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"network", http.StatusServiceUnavailable, apperror.ErrNetwork},
		{"not found", http.StatusNotFound, apperror.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.syncer.Track(f.appt)
			f.backend.FailNext(statusRoute, tt.status)

			err := f.syncer.Refresh(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.True(t, errors.Is(f.syncer.LastError(), tt.want))

			_, _, ok := f.syncer.Snapshot()
			assert.True(t, ok, "snapshot is kept")

			require.NoError(t, f.syncer.Refresh(context.Background()))
			assert.NoError(t, f.syncer.LastError(), "a success clears the error")
		})
	}
}

func TestRefresh_ClosedViewDiscardsResult(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)
	release := f.backend.Hold(statusRoute)

	v := f.syncer.Attach()
	done := make(chan error, 1)
	go func() { done <- v.Refresh(context.Background()) }()

	waitForCalls(t, f.backend, statusRoute, 1)
	f.backend.SetQueuePosition(f.appt.ID, 1, 10, "")
	v.Close()
	release()

	require.NoError(t, <-done)
	got, _, _ := f.syncer.Snapshot()
	assert.Equal(t, 3, got.Position)
	assert.False(t, v.Alive())
}

func TestRefresh_UntrackDropsInFlightResult(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)
	release := f.backend.Hold(statusRoute)

	done := make(chan error, 1)
	go func() { done <- f.syncer.Refresh(context.Background()) }()
	waitForCalls(t, f.backend, statusRoute, 1)

	f.syncer.Untrack()
	release()

	require.NoError(t, <-done)
	_, _, ok := f.syncer.Snapshot()
	assert.False(t, ok)
}

func TestTrigger_FocusIsThrottled(t *testing.T) {
	f := newFixture(t, Options{FocusThrottle: time.Hour})
	f.syncer.Track(f.appt)
	ctx := context.Background()

	require.NoError(t, f.syncer.Trigger(ctx, ReasonFocus))
	require.NoError(t, f.syncer.Trigger(ctx, ReasonFocus))
	assert.Equal(t, 1, f.backend.Calls(statusRoute))

	require.NoError(t, f.syncer.Trigger(ctx, ReasonManual))
	assert.Equal(t, 2, f.backend.Calls(statusRoute))
}

func TestStartStop_Polls(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)

	f.syncer.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.backend.Calls(statusRoute) >= 2 }, 2*time.Second, 5*time.Millisecond)
	f.syncer.Stop()
	time.Sleep(20 * time.Millisecond)

	calls := f.backend.Calls(statusRoute)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, calls, f.backend.Calls(statusRoute))
}

func TestLoadActive(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.AddAppointment(f.user.ID, model.Appointment{
		Status: model.StatusCompleted, CreatedAt: time.Now().Add(time.Hour),
	})

	found, err := f.syncer.LoadActive(context.Background())
	require.NoError(t, err)
	require.True(t, found)

	got, _, _ := f.syncer.Snapshot()
	assert.Equal(t, f.appt.ID, got.ID, "completed appointments are never tracked")
	assert.Equal(t, 2, f.index.Len())
}

// =========================================================================
// CANCEL
// =========================================================================

func TestCancel_Success(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)

	require.NoError(t, f.syncer.Cancel(context.Background(), f.appt.ID))

	got, phase, _ := f.syncer.Snapshot()
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, model.PhaseConfirmed, phase)

	server, _ := f.backend.Appointment(f.appt.ID)
	assert.Equal(t, model.StatusCancelled, server.Status)
}

func TestCancel_NetworkFaultKeepsCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)
	f.backend.FailNext(cancelRoute, http.StatusServiceUnavailable)

	err := f.syncer.Cancel(context.Background(), f.appt.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrNetwork))

	got, phase, _ := f.syncer.Snapshot()
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, model.PhasePending, phase)
	assert.True(t, errors.Is(f.syncer.LastError(), apperror.ErrNetwork))
}

func TestCancel_RejectionRollsBack(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)
	// The server already moved on; the client has not refreshed yet.
	f.backend.SetQueuePosition(f.appt.ID, 0, 10, model.StatusInProgress)

	err := f.syncer.Cancel(context.Background(), f.appt.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrConflict))

	got, phase, _ := f.syncer.Snapshot()
	assert.Equal(t, model.StatusWaiting, got.Status)
	assert.Equal(t, model.PhaseConfirmed, phase)
}

func TestCancel_RefreshReconcilesPendingCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.Track(f.appt)
	f.backend.FailNext(cancelRoute, http.StatusBadGateway)
	require.Error(t, f.syncer.Cancel(context.Background(), f.appt.ID))

	require.NoError(t, f.syncer.Refresh(context.Background()))

	got, phase, _ := f.syncer.Snapshot()
	assert.Equal(t, model.StatusWaiting, got.Status, "the server never saw the cancel")
	assert.Equal(t, model.PhaseConfirmed, phase)
}

func TestCancel_LocalChecks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	err := f.syncer.Cancel(ctx, f.appt.ID)
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "nothing tracked")

	called := f.appt
	called.Status = model.StatusCalled
	f.syncer.Track(called)
	err = f.syncer.Cancel(ctx, f.appt.ID)
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	assert.Equal(t, 0, f.backend.Calls(cancelRoute))
}

// =========================================================================
// VIEW
// =========================================================================

func TestView_WatchElapsedStopsOnClose(t *testing.T) {
	f := newFixture(t, Options{ElapsedTick: 5 * time.Millisecond})
	f.syncer.Track(f.appt)

	var ticks atomic.Int32
	v := f.syncer.Attach()
	v.WatchElapsed(func(d Display) {
		assert.Equal(t, "3rd", d.Ordinal)
		ticks.Add(1)
	})

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
	v.Close()
	v.Close()

	time.Sleep(20 * time.Millisecond)
	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, ticks.Load())
}
