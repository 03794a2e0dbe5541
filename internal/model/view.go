// Package model exposes the grouped views to a binding layer: an ordered,
// indexable item sequence with insert/remove/move range notifications, three
// query modes, and live updates consumed from the change bus.
package model

import (
	"fmt"
	"sync"

	"github.com/tretyn/commhist/internal/aggregate"
	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/resolve"
	"github.com/tretyn/commhist/internal/store"
	"go.uber.org/zap"
)

// QueryMode selects how a view's population suspends.
type QueryMode int

const (
	// QuerySync never suspends: the store round-trip happens inline.
	// Immediate resolution is a programming error in this mode.
	QuerySync QueryMode = iota
	// QueryAsync suspends until the store round-trip and any requested
	// resolution complete, then delivers the whole result at once.
	QueryAsync
	// QueryStreamed yields the first chunk immediately and suspends until
	// FetchMore is called.
	QueryStreamed
)

// Observer receives structural notifications from a view. Callbacks arrive
// on the goroutine driving the view.
type Observer interface {
	RowsInserted(index, count int)
	RowsRemoved(index, count int)
	RowMoved(from, to int)
	RowChanged(index int)
	Populated()
}

// Options configures a view.
type Options struct {
	Policy    aggregate.Policy
	TreeMode  bool
	Filter    store.EventFilter
	Mode      QueryMode
	Resolve   resolve.Policy
	ChunkSize int // streamed mode; 0 uses a default

	// Executor, when set, runs store round-trips for async views off the
	// caller's loop (a caller-supplied background worker).
	Executor func(func())
}

const defaultChunkSize = 25

// View is one loaded, live-updating grouped view over events.
type View struct {
	db       *store.DB
	bus      *bus.Bus
	reg      *identity.Registry
	resolver *resolve.Resolver
	logger   *zap.Logger
	opts     Options

	mu       sync.Mutex
	tree     *aggregate.Tree
	machine  *aggregate.Machine
	observer Observer
	offset   int
	haveMore bool
	pending  []bus.Event
	closed   bool
	unsub    func()
}

// maxPending bounds the deltas held while a populate is in flight. Overflow
// drops the oldest; the reconciler covers the resulting staleness.
const maxPending = 256

// NewView builds a view; call Load to populate it. A sync view asking for
// immediate resolution is downgraded to unresolved with a warning.
func NewView(db *store.DB, b *bus.Bus, reg *identity.Registry, resolver *resolve.Resolver, logger *zap.Logger, opts Options) *View {
	if opts.Mode == QuerySync && opts.Resolve == resolve.PolicyImmediate {
		logger.Warn("immediate resolution requested on a synchronous view; downgrading to unresolved")
		opts.Resolve = resolve.PolicyDisabled
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	v := &View{
		db:       db,
		bus:      b,
		reg:      reg,
		resolver: resolver,
		logger:   logger,
		opts:     opts,
		tree:     aggregate.NewTree(opts.Policy, reg, opts.TreeMode),
		machine:  aggregate.NewMachine(),
	}
	if b != nil {
		ch, unsub := b.Subscribe("events.", 256)
		v.unsub = unsub
		go v.consume(ch)
	}
	return v
}

// SetObserver registers the structural-change consumer.
func (v *View) SetObserver(o Observer) {
	v.mu.Lock()
	v.observer = o
	v.mu.Unlock()
}

// State returns the view lifecycle state.
func (v *View) State() aggregate.State { return v.machine.Current() }

// Len returns the number of top-level items.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tree.Len()
}

// ItemAt returns a copy of the item at index i, with children stripped for
// non-tree views.
func (v *View) ItemAt(i int) aggregate.Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	item := *v.tree.At(i)
	if !v.tree.TreeMode() {
		item.Children = nil
	}
	return item
}

// ContactName returns the resolved display name for the item at index i,
// falling back to the raw address. Under the on-demand policy this first
// read queues resolution.
func (v *View) ContactName(i int) string {
	v.mu.Lock()
	e := v.tree.At(i).Event
	v.mu.Unlock()
	id := v.reg.Identity(e.LocalUID, e.RemoteUID)
	if v.opts.Resolve == resolve.PolicyOnDemand && !id.IsResolved() && v.resolver != nil {
		v.resolver.Request(id)
	}
	if n := id.DisplayName(); n != "" {
		return n
	}
	return e.RemoteUID
}

// Load (re)populates the view. A reload requested while a populate is in
// flight is queued, not interleaved. For a failed query the view keeps its
// previous state and the failure is returned (sync) or logged (async).
func (v *View) Load() error {
	if !v.machine.RequestReload() {
		return nil
	}
	switch v.opts.Mode {
	case QueryAsync:
		run := func() {
			if err := v.populate(0); err != nil {
				v.logger.Error("view populate failed", zap.Error(err))
				_ = v.machine.Transition(aggregate.Empty)
				return
			}
			v.finishPopulate()
		}
		if v.opts.Executor != nil {
			v.opts.Executor(run)
		} else {
			go run()
		}
		return nil
	case QueryStreamed:
		if err := v.populate(v.opts.ChunkSize); err != nil {
			_ = v.machine.Transition(aggregate.Empty)
			return err
		}
		v.finishPopulate()
		return nil
	default:
		if err := v.populate(0); err != nil {
			_ = v.machine.Transition(aggregate.Empty)
			return err
		}
		v.finishPopulate()
		return nil
	}
}

// FetchMore loads the next chunk of a streamed view. Returns false when the
// result set is exhausted.
func (v *View) FetchMore() (bool, error) {
	if v.opts.Mode != QueryStreamed {
		return false, fmt.Errorf("fetch more on non-streamed view")
	}
	v.mu.Lock()
	if !v.haveMore {
		v.mu.Unlock()
		return false, nil
	}
	offset := v.offset
	v.mu.Unlock()

	events, err := v.db.GetEvents(v.opts.Filter, v.opts.ChunkSize, offset)
	if err != nil {
		return false, err
	}
	v.resolveForSurfacing(events)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false, nil
	}
	v.offset += len(events)
	v.haveMore = len(events) == v.opts.ChunkSize
	for i := len(events) - 1; i >= 0; i-- {
		v.apply(v.tree.InsertEvent(events[i]))
	}
	return v.haveMore, nil
}

func (v *View) populate(limit int) error {
	events, err := v.db.GetEvents(v.opts.Filter, limit, 0)
	if err != nil {
		return err
	}
	v.resolveForSurfacing(events)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		// Torn down while the round-trip was in flight; drop the result.
		return nil
	}
	v.tree.Populate(events)
	v.offset = len(events)
	v.haveMore = limit > 0 && len(events) == limit
	if v.observer != nil {
		v.observer.Populated()
	}
	return nil
}

func (v *View) finishPopulate() {
	if v.machine.FinishPopulate() {
		// A reload was queued mid-populate; run it now.
		_ = v.machine.Transition(aggregate.Ready)
		_ = v.Load()
		return
	}
	// Deltas committed while the populate query ran were buffered; replay
	// them now that the view is Ready. Replaying a commit the query
	// already included is a no-op.
	for _, evt := range v.takePending() {
		v.applyDelta(evt)
	}
}

func (v *View) bufferDelta(evt bus.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.pending) >= maxPending {
		v.pending = v.pending[1:]
	}
	v.pending = append(v.pending, evt)
}

func (v *View) takePending() []bus.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.pending
	v.pending = nil
	return out
}

// resolveForSurfacing honors the resolution policy before events become
// observable: immediate blocks on the batch, on-demand just queues it.
func (v *View) resolveForSurfacing(events []store.Event) {
	if v.resolver == nil || v.opts.Resolve == resolve.PolicyDisabled {
		return
	}
	ids := make([]identity.Identity, 0, len(events))
	for i := range events {
		ids = append(ids, v.reg.Identity(events[i].LocalUID, events[i].RemoteUID))
	}
	if v.opts.Resolve == resolve.PolicyImmediate {
		v.resolver.Resolve(ids...)
	} else {
		v.resolver.Request(ids...)
	}
}

// Close tears the view down. In-flight query or resolution completions for
// this view are dropped afterwards.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	unsub := v.unsub
	v.unsub = nil
	v.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// consume handles change-bus deltas in arrival order. Ready views apply
// them directly; a view mid-populate buffers them for replay, since the
// in-flight query may or may not have seen those commits. A view that was
// never loaded drops them, its eventual populate reads them from the store.
func (v *View) consume(ch <-chan bus.Event) {
	for evt := range ch {
		switch v.machine.Current() {
		case aggregate.Ready:
			for _, buffered := range v.takePending() {
				v.applyDelta(buffered)
			}
			v.applyDelta(evt)
		case aggregate.Populating:
			v.bufferDelta(evt)
		}
	}
}

// applyDelta applies one delta to the tree; records outside the filter are
// ignored.
func (v *View) applyDelta(evt bus.Event) {
	switch evt.Kind {
	case bus.EventsAdded:
		events, ok := evt.Payload.([]store.Event)
		if !ok {
			return
		}
		for _, e := range events {
			if !v.opts.Filter.Match(e) {
				continue
			}
			v.resolveForSurfacing([]store.Event{e})
			v.mu.Lock()
			if !v.closed {
				v.apply(v.tree.InsertEvent(e))
			}
			v.mu.Unlock()
		}
	case bus.EventsUpdated:
		updates, ok := evt.Payload.([]bus.EventUpdate)
		if !ok {
			return
		}
		for _, u := range updates {
			v.applyUpdate(u)
		}
	case bus.EventsDeleted:
		ids, ok := evt.Payload.([]int64)
		if !ok {
			return
		}
		v.mu.Lock()
		if !v.closed {
			for _, id := range ids {
				v.apply(v.tree.DeleteEvent(id))
			}
		}
		v.mu.Unlock()
	}
}

func (v *View) applyUpdate(u bus.EventUpdate) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	changes, dirty := v.tree.UpdateEvent(u.Event, u.Fields)
	v.apply(changes)
	v.mu.Unlock()
	if len(dirty) == 0 {
		return
	}

	if v.opts.Policy == aggregate.GroupByTime {
		// Re-grouping under time policy can ripple through adjacent runs;
		// reload instead of surgically refetching.
		_ = v.Load()
		return
	}

	// Refetch just the dirty groups.
	var events []store.Event
	for _, remote := range dirty {
		f := v.opts.Filter
		f.RemoteUID = remote
		batch, err := v.db.GetEvents(f, 0, 0)
		if err != nil {
			v.logger.Error("dirty group refetch failed",
				zap.String("remote", remote), zap.Error(err))
			return
		}
		events = append(events, batch...)
	}
	v.mu.Lock()
	if !v.closed {
		v.apply(v.tree.RebuildGroups(dirty, events))
	}
	v.mu.Unlock()
}

// apply translates tree changes into observer callbacks. Caller holds mu.
func (v *View) apply(changes []aggregate.Change) {
	if v.observer == nil {
		return
	}
	for _, c := range changes {
		switch c.Kind {
		case aggregate.Inserted:
			v.observer.RowsInserted(c.Index, 1)
		case aggregate.Removed:
			v.observer.RowsRemoved(c.Index, 1)
		case aggregate.Moved:
			v.observer.RowMoved(c.Index, c.To)
		case aggregate.Updated:
			v.observer.RowChanged(c.Index)
		}
	}
}
