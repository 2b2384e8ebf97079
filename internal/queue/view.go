package queue

import (
	"context"
	"sync"
	"time"
)

// View is one consumer's attachment to the Synchronizer, typically a screen.
//
// Refreshes started through a View are discarded on arrival once the View is
// closed, so a result for a screen that is gone never reaches shared state.
type View struct {
	s *Synchronizer

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Attach returns a new open View.
func (s *Synchronizer) Attach() *View {
	return &View{s: s, done: make(chan struct{})}
}

func (v *View) alive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed
}

// Alive reports whether the View is still open.
func (v *View) Alive() bool {
	return v.alive()
}

// Close detaches the View. It is safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.done)
	}
}

func (v *View) Refresh(ctx context.Context) error {
	return v.s.refresh(ctx, v.alive)
}

func (v *View) Trigger(ctx context.Context, reason Reason) error {
	return v.s.trigger(ctx, reason, v.alive)
}

// WatchElapsed calls fn with the current Display right away and then on every
// tick (one minute by default) until the View closes. It does nothing while
// no appointment is tracked.
func (v *View) WatchElapsed(fn func(Display)) {
	emit := func() {
		if d, ok := v.s.Display(); ok && v.alive() {
			fn(d)
		}
	}
	emit()

	go func() {
		ticker := time.NewTicker(v.s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-v.done:
				return
			case <-ticker.C:
				emit()
			}
		}
	}()
}
