// Package resolve maps identities to directory contacts: batched
// asynchronous lookups, a bounded answer cache, and fan-out of directory
// change notifications to every identity resolved to the changed contact.
package resolve

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"go.uber.org/zap"
)

// Policy selects when a consumer waits for resolution.
type Policy int

const (
	// PolicyDisabled never resolves.
	PolicyDisabled Policy = iota
	// PolicyOnDemand resolves lazily the first time a resolution-dependent
	// field is read, notifying on completion.
	PolicyOnDemand
	// PolicyImmediate blocks the observable result until resolved.
	PolicyImmediate
)

// Result is the payload of a bus.ContactsResolved event: one finished batch.
type Result struct {
	Resolved    int
	Significant int
}

const (
	cacheSize     = 512
	batchInterval = 50 * time.Millisecond
)

// Resolver batches identity lookups against a Directory on its own
// goroutine. Completion is announced on the bus; consumers torn down before
// completion simply never hear about it.
type Resolver struct {
	dir    Directory
	bus    *bus.Bus
	logger *zap.Logger
	cache  *lru.Cache[string, Contact]

	mu        sync.Mutex
	pending   []identity.Identity
	byContact map[int64][]identity.Identity

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a resolver. The cache bounds repeated directory round-trips
// for hot addresses.
func New(dir Directory, b *bus.Bus, logger *zap.Logger) *Resolver {
	cache, _ := lru.New[string, Contact](cacheSize)
	return &Resolver{
		dir:       dir,
		bus:       b,
		logger:    logger,
		cache:     cache,
		byContact: make(map[int64][]identity.Identity),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the batch worker and the directory change consumer.
func (r *Resolver) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop terminates the workers and waits for them to exit.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Request queues identities for asynchronous resolution. Identities already
// resolved or in flight are skipped; a bus.ContactsResolved event follows
// once the batch they land in completes.
func (r *Resolver) Request(ids ...identity.Identity) {
	var queued bool
	r.mu.Lock()
	for _, id := range ids {
		if id.IsNil() || !id.MarkPending() {
			continue
		}
		r.pending = append(r.pending, id)
		queued = true
	}
	r.mu.Unlock()
	if queued {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Resolve runs one batch synchronously. Used by the immediate policy, where
// the observable result must not surface before resolution completes.
func (r *Resolver) Resolve(ids ...identity.Identity) Result {
	batch := make([]identity.Identity, 0, len(ids))
	for _, id := range ids {
		if id.IsNil() || id.IsResolved() {
			continue
		}
		id.MarkPending()
		batch = append(batch, id)
	}
	return r.resolveBatch(batch)
}

func (r *Resolver) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()
	changes := r.dir.Changes()

	for {
		select {
		case <-r.wake:
			// Give nearby requests a chance to coalesce into one batch.
			time.Sleep(batchInterval)
			r.drain()
		case <-ticker.C:
			r.drain()
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.contactChanged(ch.ContactID)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Resolver) drain() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	r.resolveBatch(batch)
}

func (r *Resolver) resolveBatch(batch []identity.Identity) Result {
	var res Result
	for _, id := range batch {
		c, ok := r.cache.Get(id.Key())
		if !ok {
			var err error
			c, err = r.dir.Lookup(id.LocalUID(), id.RemoteUID())
			if err != nil {
				// Leave it unattempted; a later request may retry.
				r.logger.Warn("directory lookup failed",
					zap.String("remote", id.RemoteUID()), zap.Error(err))
				id.ClearPending()
				continue
			}
			r.cache.Add(id.Key(), c)
		}
		if id.SetResolved(c.ID, c.DisplayName, c.Capabilities) {
			res.Significant++
		}
		res.Resolved++
		if c.ID != 0 {
			r.register(c.ID, id)
		}
	}
	if res.Resolved > 0 && r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:      bus.ContactsResolved,
			Timestamp: time.Now(),
			Payload:   res,
		})
	}
	return res
}

// register records contactID -> identity for change fan-out, deduplicated on
// the interned instance.
func (r *Resolver) register(contactID int64, id identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byContact[contactID] {
		if existing.Same(id) {
			return
		}
	}
	r.byContact[contactID] = append(r.byContact[contactID], id)
}

// contactChanged re-reads the directory state for every identity currently
// resolved to the contact. Only a significant change (name, capability
// flags) is re-announced, so cosmetic directory churn does not trigger
// downstream re-renders.
func (r *Resolver) contactChanged(contactID int64) {
	r.mu.Lock()
	ids := append([]identity.Identity(nil), r.byContact[contactID]...)
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	significant := 0
	for _, id := range ids {
		c, err := r.dir.Lookup(id.LocalUID(), id.RemoteUID())
		if err != nil {
			r.logger.Warn("directory re-lookup failed",
				zap.Int64("contact", contactID), zap.Error(err))
			continue
		}
		r.cache.Add(id.Key(), c)
		if id.SetResolved(c.ID, c.DisplayName, c.Capabilities) {
			significant++
		}
		if c.ID != contactID {
			// Address moved to a different contact; re-register.
			r.unregister(contactID, id)
			if c.ID != 0 {
				r.register(c.ID, id)
			}
		}
	}
	if significant > 0 && r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:      bus.ContactsChanged,
			Timestamp: time.Now(),
			Payload:   contactID,
		})
	}
}

func (r *Resolver) unregister(contactID int64, id identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byContact[contactID]
	for i, existing := range ids {
		if existing.Same(id) {
			r.byContact[contactID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byContact[contactID]) == 0 {
		delete(r.byContact, contactID)
	}
}
