package guard

import (
	"log/slog"
	"sync"
	"time"
)

// Channel is the name of the process-wide invalidation signal.
const Channel = "auth_token_invalid"

// Invalidation tells subscribers that the current token must be treated as
// unusable. It carries no credentials; Reason is for logs only.
type Invalidation struct {
	Reason string
	At     time.Time
}

// Broker is a typed publish/subscribe channel for Invalidation signals.
//
// DELIVERY:
// Publish calls every subscriber synchronously, outside the broker's lock,
// so a subscriber may itself publish or unsubscribe. Delivery is
// at-least-once: subscribers must tolerate the same signal twice.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Invalidation)
	logger *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[int]func(Invalidation)),
		logger: logger,
	}
}

// Subscribe registers fn and returns the function that removes it.
// The returned func is safe to call more than once; callers usually defer it
// for the lifetime of whatever owns the subscription.
func (b *Broker) Subscribe(fn func(Invalidation)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers inv to every current subscriber.
func (b *Broker) Publish(inv Invalidation) {
	if inv.At.IsZero() {
		inv.At = time.Now()
	}

	b.mu.Lock()
	fns := make([]func(Invalidation), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	b.logger.Info("session invalidated",
		slog.String("channel", Channel),
		slog.String("reason", inv.Reason),
		slog.Int("subscribers", len(fns)),
	)
	for _, fn := range fns {
		fn(inv)
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
