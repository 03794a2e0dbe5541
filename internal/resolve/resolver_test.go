package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"go.uber.org/zap"
)

type fakeDirectory struct {
	mu       sync.Mutex
	contacts map[string]Contact
	lookups  int
	err      error
	changes  chan Change
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		contacts: make(map[string]Contact),
		changes:  make(chan Change, 8),
	}
}

func (d *fakeDirectory) put(remoteUID string, c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[remoteUID] = c
}

func (d *fakeDirectory) Lookup(localUID, remoteUID string) (Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	if d.err != nil {
		return Contact{}, d.err
	}
	return d.contacts[remoteUID], nil
}

func (d *fakeDirectory) LookupByContact(contactID int64) ([]Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var addrs []Address
	for remote, c := range d.contacts {
		if c.ID == contactID {
			addrs = append(addrs, Address{LocalUID: "ring/tel/ring", RemoteUID: remote})
		}
	}
	return addrs, nil
}

func (d *fakeDirectory) Changes() <-chan Change { return d.changes }

func (d *fakeDirectory) lookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

func TestResolveBatch(t *testing.T) {
	dir := newFakeDirectory()
	dir.put("0501234567", Contact{ID: 1, DisplayName: "Alice"})
	dir.put("0509999999", Contact{ID: 2, DisplayName: "Bob"})

	reg := identity.NewRegistry()
	r := New(dir, bus.New(), zap.NewNop())

	a := reg.Identity("ring/tel/ring", "0501234567")
	b := reg.Identity("ring/tel/ring", "0509999999")
	res := r.Resolve(a, b)

	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 2, res.Significant)
	assert.Equal(t, "Alice", a.DisplayName())
	assert.Equal(t, "Bob", b.DisplayName())
	assert.True(t, a.IsResolved())
}

func TestResolveIdempotent(t *testing.T) {
	dir := newFakeDirectory()
	dir.put("0501234567", Contact{ID: 1, DisplayName: "Alice"})

	reg := identity.NewRegistry()
	r := New(dir, bus.New(), zap.NewNop())
	a := reg.Identity("ring/tel/ring", "0501234567")

	first := r.Resolve(a)
	require.Equal(t, 1, first.Resolved)

	// Already-resolved identities are skipped entirely.
	second := r.Resolve(a)
	assert.Equal(t, 0, second.Resolved)
	assert.Equal(t, 0, second.Significant)
}

func TestResolveNoMatchIsTerminal(t *testing.T) {
	dir := newFakeDirectory()
	reg := identity.NewRegistry()
	r := New(dir, bus.New(), zap.NewNop())

	a := reg.Identity("ring/tel/ring", "0507777777")
	res := r.Resolve(a)
	require.Equal(t, 1, res.Resolved)
	assert.Equal(t, identity.StatusNoMatch, a.Status())

	// No retry for a definitive no-match.
	r.Resolve(a)
	assert.Equal(t, 1, dir.lookupCount())
}

func TestCacheSpansRegistries(t *testing.T) {
	dir := newFakeDirectory()
	dir.put("0501234567", Contact{ID: 1, DisplayName: "Alice"})
	r := New(dir, bus.New(), zap.NewNop())

	// Two processes interning the same canonical pair share a cache key.
	a := identity.NewRegistry().Identity("ring/tel/ring", "0501234567")
	b := identity.NewRegistry().Identity("ring/tel/ring", "+358 50 1234567")
	require.False(t, a.Same(b))

	r.Resolve(a)
	r.Resolve(b)
	assert.Equal(t, 1, dir.lookupCount(), "second resolution must hit the cache")
	assert.Equal(t, "Alice", b.DisplayName())
}

func TestLookupErrorLeavesRetryable(t *testing.T) {
	dir := newFakeDirectory()
	dir.err = errors.New("directory down")

	reg := identity.NewRegistry()
	r := New(dir, bus.New(), zap.NewNop())
	a := reg.Identity("ring/tel/ring", "0501234567")

	res := r.Resolve(a)
	assert.Equal(t, 0, res.Resolved)
	assert.Equal(t, identity.StatusUnresolved, a.Status())

	dir.mu.Lock()
	dir.err = nil
	dir.mu.Unlock()
	dir.put("0501234567", Contact{ID: 1, DisplayName: "Alice"})

	res = r.Resolve(a)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, "Alice", a.DisplayName())
}

func TestRequestPublishesCompletion(t *testing.T) {
	dir := newFakeDirectory()
	dir.put("0501234567", Contact{ID: 1, DisplayName: "Alice"})

	b := bus.New()
	events, unsub := b.Subscribe(bus.ContactsResolved, 8)
	defer unsub()

	reg := identity.NewRegistry()
	r := New(dir, b, zap.NewNop())
	r.Start(context.Background())
	defer r.Stop()

	a := reg.Identity("ring/tel/ring", "0501234567")
	r.Request(a)

	select {
	case evt := <-events:
		res, ok := evt.Payload.(Result)
		require.True(t, ok, "payload type %T", evt.Payload)
		assert.Equal(t, 1, res.Resolved)
		assert.Equal(t, "Alice", a.DisplayName())
	case <-time.After(5 * time.Second):
		t.Fatal("no ContactsResolved event")
	}
}

func TestContactChangeFanout(t *testing.T) {
	dir := newFakeDirectory()
	dir.put("0501234567", Contact{ID: 1, DisplayName: "Alice"})

	b := bus.New()
	events, unsub := b.Subscribe(bus.ContactsChanged, 8)
	defer unsub()

	reg := identity.NewRegistry()
	r := New(dir, b, zap.NewNop())
	r.Start(context.Background())
	defer r.Stop()

	a := reg.Identity("ring/tel/ring", "0501234567")
	require.Equal(t, 1, r.Resolve(a).Resolved)

	dir.put("0501234567", Contact{ID: 1, DisplayName: "Alice Renamed"})
	dir.changes <- Change{ContactID: 1}

	select {
	case <-events:
		assert.Equal(t, "Alice Renamed", a.DisplayName())
	case <-time.After(5 * time.Second):
		t.Fatal("no ContactsChanged event")
	}
}
