// Package notification holds the patient's notification list.
//
// Mutations are optimistic: the local list changes first, then the remote
// call runs through the Auth Guard. Each item carries a Phase: pending until
// the server acknowledges, confirmed afterwards. A later Fetch is
// authoritative and replaces the list wholesale.
//
// FAILURE POLICY:
//   - AuthFault: the optimistic change is kept (a read or deleted item is
//     harmless to keep) and the re-login prompt fires.
//   - Any other fault: the optimistic change is kept, the error is returned
//     and recorded in State().Error; the next Fetch reconciles.
//   - Bulk operations fan out one call per item with bounded concurrency.
//     One item's failure does not stop the others; everything settles
//     before Loading drops, and any failure yields a *BulkError.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/queue-companion/internal/api"
	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/guard"
	"github.com/sakif/queue-companion/internal/model"
)

// DefaultConcurrency bounds bulk fan-out when Options.Concurrency is zero.
const DefaultConcurrency = 4

// Backend is the slice of the notification service the Aggregator uses.
type Backend interface {
	FetchNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
	DeleteAllNotifications(ctx context.Context) error
}

var _ Backend = (*api.Client)(nil)

// AppointmentLookup resolves a notification's weak appointment reference.
// *queue.AppointmentIndex satisfies it.
type AppointmentLookup interface {
	Lookup(id string) (model.Appointment, bool)
}

// Item is a notification with its optimistic phase.
type Item struct {
	model.Notification
	Phase model.Phase `json:"phase"`
}

// State is a snapshot of the aggregator.
type State struct {
	Items    []Item   `json:"items"`
	Loading  bool     `json:"loading"`
	Selected []string `json:"selected"`
	Unread   int      `json:"unread"`
	Error    string   `json:"error,omitempty"`
}

type Options struct {
	Concurrency   int
	OnAuthFailure func()
	Appointments  AppointmentLookup
}

type Aggregator struct {
	backend      Backend
	guard        *guard.Guard
	logger       *slog.Logger
	prompt       func()
	appointments AppointmentLookup
	concurrency  int

	mu       sync.Mutex
	items    []Item
	selected map[string]struct{}
	inflight int
	errMsg   string
	// epoch advances on Reset; a Fetch started in an older epoch is dropped.
	epoch uint64
}

func New(backend Backend, g *guard.Guard, opts Options, logger *slog.Logger) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Aggregator{
		backend:      backend,
		guard:        g,
		logger:       logger,
		prompt:       opts.OnAuthFailure,
		appointments: opts.Appointments,
		concurrency:  opts.Concurrency,
		selected:     make(map[string]struct{}),
	}
}

// State returns a copy of the current list, selection and flags.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := State{
		Items:    append([]Item(nil), a.items...),
		Loading:  a.inflight > 0,
		Selected: a.selectedLocked(),
		Error:    a.errMsg,
	}
	for _, it := range a.items {
		if !it.Read {
			st.Unread++
		}
	}
	return st
}

// Appointment resolves n's appointment reference from recently seen
// appointments. A miss is normal: the reference is weak.
func (a *Aggregator) Appointment(n model.Notification) (model.Appointment, bool) {
	if n.AppointmentID == "" || a.appointments == nil {
		return model.Appointment{}, false
	}
	return a.appointments.Lookup(n.AppointmentID)
}

// Reset forgets the list and selection, e.g. after the patient signs out.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = nil
	a.selected = make(map[string]struct{})
	a.errMsg = ""
	a.epoch++
}

// =========================================================================
// FETCH
// =========================================================================

// Fetch loads the list from the server. The server list replaces the local
// one, including any pending optimistic changes it disagrees with.
func (a *Aggregator) Fetch(ctx context.Context) error {
	a.begin()
	defer a.end()

	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()

	list, ok, err := guard.Run(ctx, a.guard, a.backend.FetchNotifications, a.prompt)
	if err != nil {
		if a.current(epoch) {
			a.fail(err)
		}
		return fmt.Errorf("notification: fetch: %w", err)
	}
	if !ok {
		return nil
	}

	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.epoch != epoch {
		a.logger.Debug("dropping notification list fetched before reset", slog.Int("count", len(list)))
		return nil
	}

	local := make(map[string]Item, len(a.items))
	for _, it := range a.items {
		local[it.ID] = it
	}
	items := make([]Item, 0, len(list))
	present := make(map[string]struct{}, len(list))
	for _, n := range list {
		if prev, ok := local[n.ID]; ok && prev.Phase == model.PhasePending && prev.Read != n.Read {
			a.logger.Debug("server overrides pending read state", slog.String("notification_id", n.ID))
		}
		items = append(items, Item{Notification: n, Phase: model.PhaseConfirmed})
		present[n.ID] = struct{}{}
	}
	a.items = items
	for id := range a.selected {
		if _, ok := present[id]; !ok {
			delete(a.selected, id)
		}
	}
	a.errMsg = ""
	return nil
}

// =========================================================================
// SINGLE-ITEM MUTATIONS
// =========================================================================

// MarkRead marks one notification read. Marking an already read notification
// is a no-op and makes no remote call.
func (a *Aggregator) MarkRead(ctx context.Context, id string) error {
	changed, err := a.markLocal(id)
	if err != nil || !changed {
		return err
	}

	a.begin()
	defer a.end()
	if err := a.confirmRead(ctx, id, a.prompt); err != nil {
		a.fail(err)
		return fmt.Errorf("notification: mark read: %w", err)
	}
	return nil
}

// Delete removes one notification.
func (a *Aggregator) Delete(ctx context.Context, id string) error {
	if !a.removeLocal(id) {
		return apperror.NotFound("notification", id)
	}

	a.begin()
	defer a.end()
	if err := a.guard.Do(ctx, func(ctx context.Context) error {
		return a.backend.DeleteNotification(ctx, id)
	}, a.prompt); err != nil {
		a.fail(err)
		return fmt.Errorf("notification: delete: %w", err)
	}
	return nil
}

// ClearAll empties the list with the single bulk-clear endpoint.
func (a *Aggregator) ClearAll(ctx context.Context) error {
	a.mu.Lock()
	a.items = nil
	a.selected = make(map[string]struct{})
	a.mu.Unlock()

	a.begin()
	defer a.end()
	if err := a.guard.Do(ctx, a.backend.DeleteAllNotifications, a.prompt); err != nil {
		a.fail(err)
		return fmt.Errorf("notification: clear all: %w", err)
	}
	return nil
}

// =========================================================================
// BULK MUTATIONS
// =========================================================================

// MarkAllRead marks every unread notification read, one call per item.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	return a.markReadBulk(ctx, a.ids(func(it Item) bool { return !it.Read }))
}

// DeleteAll deletes every notification, one call per item.
func (a *Aggregator) DeleteAll(ctx context.Context) error {
	return a.deleteBulk(ctx, a.ids(func(Item) bool { return true }))
}

// MarkSelectedRead marks the selected notifications read and keeps the selection.
func (a *Aggregator) MarkSelectedRead(ctx context.Context) error {
	sel := a.Selected()
	return a.markReadBulk(ctx, a.ids(func(it Item) bool { return !it.Read && slices.Contains(sel, it.ID) }))
}

// DeleteSelected deletes the selected notifications and clears the selection.
func (a *Aggregator) DeleteSelected(ctx context.Context) error {
	sel := a.Selected()
	a.ClearSelection()
	return a.deleteBulk(ctx, sel)
}

func (a *Aggregator) markReadBulk(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, _ = a.markLocal(id)
	}
	return a.fanOut(ctx, "marked read", ids, func(ctx context.Context, id string, prompt func()) error {
		return a.confirmRead(ctx, id, prompt)
	})
}

func (a *Aggregator) deleteBulk(ctx context.Context, ids []string) error {
	for _, id := range ids {
		a.removeLocal(id)
	}
	return a.fanOut(ctx, "deleted", ids, func(ctx context.Context, id string, prompt func()) error {
		return a.guard.Do(ctx, func(ctx context.Context) error {
			return a.backend.DeleteNotification(ctx, id)
		}, prompt)
	})
}

// fanOut runs call for every id with bounded concurrency and waits for all
// of them. The re-login prompt fires at most once per bulk operation.
func (a *Aggregator) fanOut(ctx context.Context, op string, ids []string, call func(context.Context, string, func()) error) error {
	if len(ids) == 0 {
		return nil
	}

	a.begin()
	defer a.end()

	var promptOnce sync.Once
	prompt := func() {
		promptOnce.Do(func() {
			if a.prompt != nil {
				a.prompt()
			}
		})
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := call(ctx, id, prompt); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return nil
	}
	bulkErr := &BulkError{Op: op, Total: len(ids), Failed: failed}
	a.fail(bulkErr)
	a.logger.Warn("bulk notification operation partly failed",
		slog.String("op", op), slog.Int("failed", len(failed)), slog.Int("total", len(ids)))
	return bulkErr
}

// =========================================================================
// SELECTION
// =========================================================================

// Select adds id to the selection if it is in the list.
func (a *Aggregator) Select(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.indexLocked(id) >= 0 {
		a.selected[id] = struct{}{}
	}
}

func (a *Aggregator) Deselect(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.selected, id)
}

// Toggle flips id's selection and reports whether it is now selected.
func (a *Aggregator) Toggle(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.selected[id]; ok {
		delete(a.selected, id)
		return false
	}
	if a.indexLocked(id) < 0 {
		return false
	}
	a.selected[id] = struct{}{}
	return true
}

// SetSelection replaces the selection with the listed IDs that exist.
func (a *Aggregator) SetSelection(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if a.indexLocked(id) >= 0 {
			a.selected[id] = struct{}{}
		}
	}
}

func (a *Aggregator) ClearSelection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = make(map[string]struct{})
}

// Selected returns the selected IDs in list order.
func (a *Aggregator) Selected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selectedLocked()
}

// =========================================================================
// INTERNALS
// =========================================================================

// markLocal flips read optimistically. It reports whether anything changed.
func (a *Aggregator) markLocal(id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.indexLocked(id)
	if i < 0 {
		return false, apperror.NotFound("notification", id)
	}
	if a.items[i].Read {
		return false, nil
	}
	a.items[i].Read = true
	a.items[i].Phase = model.PhasePending
	return true, nil
}

func (a *Aggregator) confirmRead(ctx context.Context, id string, prompt func()) error {
	_, ok, err := guard.Run(ctx, a.guard, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.backend.MarkNotificationRead(ctx, id)
	}, prompt)
	if err != nil || !ok {
		return err
	}

	a.mu.Lock()
	if i := a.indexLocked(id); i >= 0 && a.items[i].Read {
		a.items[i].Phase = model.PhaseConfirmed
	}
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) removeLocal(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.indexLocked(id)
	if i < 0 {
		return false
	}
	a.items = append(a.items[:i:i], a.items[i+1:]...)
	delete(a.selected, id)
	return true
}

func (a *Aggregator) ids(keep func(Item) bool) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for _, it := range a.items {
		if keep(it) {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func (a *Aggregator) indexLocked(id string) int {
	for i, it := range a.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (a *Aggregator) selectedLocked() []string {
	out := make([]string, 0, len(a.selected))
	for _, it := range a.items {
		if _, ok := a.selected[it.ID]; ok {
			out = append(out, it.ID)
		}
	}
	return out
}

func (a *Aggregator) begin() {
	a.mu.Lock()
	a.inflight++
	a.errMsg = ""
	a.mu.Unlock()
}

func (a *Aggregator) end() {
	a.mu.Lock()
	a.inflight--
	a.mu.Unlock()
}

// current reports whether no Reset happened since epoch was read.
func (a *Aggregator) current(epoch uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch == epoch
}

func (a *Aggregator) fail(err error) {
	msg := apperror.UserMessage(err)
	var bulk *BulkError
	if errors.As(err, &bulk) {
		msg = bulk.Error()
	}
	a.mu.Lock()
	a.errMsg = msg
	a.mu.Unlock()
}
