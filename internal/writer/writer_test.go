package writer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/store"
)

const testAccount = "ring/tel/ring"

type fixture struct {
	db     *store.DB
	bus    *bus.Bus
	writer *Writer
	events <-chan bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "commhist.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	ch, unsub := b.Subscribe("", 64)
	t.Cleanup(unsub)

	return &fixture{
		db:     db,
		bus:    b,
		writer: New(db, b, identity.NewRegistry(), zap.NewNop()),
		events: ch,
	}
}

// drain collects everything the last operation published. Publishing is
// synchronous, so by the time an operation returns its events are buffered.
func (f *fixture) drain() []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-f.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func (f *fixture) group(t *testing.T, remotes ...string) *store.Group {
	t.Helper()
	g := store.NewGroup()
	g.LocalUID = testAccount
	g.RemoteUIDs = remotes
	require.NoError(t, f.writer.AddGroup(&g))
	f.drain()
	return &g
}

func inboundText(groupID int64, remote string, end int64) *store.Event {
	e := store.NewEvent()
	e.Type = store.EventText
	e.Direction = store.DirectionInbound
	e.StartTime = end
	e.EndTime = end
	e.LocalUID = testAccount
	e.RemoteUID = remote
	e.GroupID = groupID
	e.FreeText = "hello"
	return &e
}

func TestAddEventPublishesEventAndSummary(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")

	e := inboundText(g.ID, "0501111111", 100)
	require.NoError(t, f.writer.AddEvent(e))
	assert.Greater(t, e.ID, int64(0))

	published := f.drain()
	require.Len(t, published, 2)

	require.Equal(t, bus.EventsAdded, published[0].Kind)
	added := published[0].Payload.([]store.Event)
	require.Len(t, added, 1)
	assert.Equal(t, e.ID, added[0].ID)
	assert.Equal(t, "hello", added[0].FreeText)

	require.Equal(t, bus.GroupsUpdatedFull, published[1].Kind)
	groups := published[1].Payload.([]store.Group)
	require.Len(t, groups, 1)
	assert.Equal(t, g.ID, groups[0].ID)
	assert.Equal(t, 1, groups[0].TotalEvents)
	assert.Equal(t, 1, groups[0].UnreadCount)

	assert.Equal(t, published[0].Seq, published[1].Seq,
		"event and summary belong to one commit")
}

func TestOutboundMessageGetsToken(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")

	msg := inboundText(g.ID, "0501111111", 100)
	msg.Direction = store.DirectionOutbound
	require.NoError(t, f.writer.AddEvent(msg))
	assert.NotEmpty(t, msg.MessageToken)

	call := store.NewEvent()
	call.Type = store.EventCall
	call.Direction = store.DirectionOutbound
	call.StartTime = 200
	call.EndTime = 200
	call.LocalUID = testAccount
	call.RemoteUID = "0501111111"
	require.NoError(t, f.writer.AddEvent(&call))
	assert.Empty(t, call.MessageToken, "calls carry no delivery token")
}

func TestFailedAddPublishesNothing(t *testing.T) {
	f := newFixture(t)

	// A message without a group violates a store precondition.
	e := inboundText(-1, "0501111111", 100)
	require.Error(t, f.writer.AddEvent(e))
	assert.Empty(t, f.drain())
}

func TestDeleteLastEventReapsGroup(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")
	e := inboundText(g.ID, "0501111111", 100)
	require.NoError(t, f.writer.AddEvent(e))
	f.drain()

	require.NoError(t, f.writer.DeleteEvent(e.ID))

	published := f.drain()
	require.Len(t, published, 2)
	assert.Equal(t, bus.EventsDeleted, published[0].Kind)
	assert.Equal(t, []int64{e.ID}, published[0].Payload.([]int64))
	assert.Equal(t, bus.GroupsDeleted, published[1].Kind)
	assert.Equal(t, []int64{g.ID}, published[1].Payload.([]int64))

	gone, err := f.db.GetGroup(g.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestDeleteEventKeepsPopulatedGroup(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")
	keep := inboundText(g.ID, "0501111111", 100)
	doomed := inboundText(g.ID, "0501111111", 200)
	require.NoError(t, f.writer.AddEvents([]*store.Event{keep, doomed}))
	f.drain()

	require.NoError(t, f.writer.DeleteEvent(doomed.ID))

	published := f.drain()
	require.Len(t, published, 2)
	assert.Equal(t, bus.EventsDeleted, published[0].Kind)
	require.Equal(t, bus.GroupsUpdatedFull, published[1].Kind)
	groups := published[1].Payload.([]store.Group)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].TotalEvents)

	still, err := f.db.GetGroup(g.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestDeleteMissingEventFails(t *testing.T) {
	f := newFixture(t)
	err := f.writer.DeleteEvent(4242)
	require.ErrorIs(t, err, store.ErrPrecondition)
}

func TestEnsureGroupMatchesFormattingVariants(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")

	// Same number in international notation lands in the same group.
	found, err := f.writer.EnsureGroup(testAccount, []string{"+358 50 111 1111"})
	require.NoError(t, err)
	assert.Equal(t, g.ID, found.ID)
	assert.Empty(t, f.drain(), "no group created, nothing published")
}

func TestEnsureGroupCreatesForNewAddress(t *testing.T) {
	f := newFixture(t)
	f.group(t, "0501111111")

	created, err := f.writer.EnsureGroup(testAccount, []string{"0502222222"})
	require.NoError(t, err)
	assert.Greater(t, created.ID, int64(0))
	assert.Equal(t, store.ChatP2P, created.Type)

	published := f.drain()
	require.Len(t, published, 1)
	assert.Equal(t, bus.GroupsAdded, published[0].Kind)
}

func TestEnsureGroupMultiPartyBecomesRoom(t *testing.T) {
	f := newFixture(t)

	room, err := f.writer.EnsureGroup(testAccount, []string{"0501111111", "0502222222"})
	require.NoError(t, err)
	assert.Equal(t, store.ChatRoom, room.Type)

	// The 1:1 address set must not match the room.
	singular, err := f.writer.EnsureGroup(testAccount, []string{"0501111111"})
	require.NoError(t, err)
	assert.NotEqual(t, room.ID, singular.ID)
}

func TestMarkAsReadPublishesFieldUpdates(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")
	a := inboundText(g.ID, "0501111111", 100)
	b := inboundText(g.ID, "0501111111", 200)
	require.NoError(t, f.writer.AddEvents([]*store.Event{a, b}))
	f.drain()

	require.NoError(t, f.writer.MarkAsRead([]int64{a.ID, b.ID}, true))

	published := f.drain()
	require.Len(t, published, 2)
	require.Equal(t, bus.EventsUpdated, published[0].Kind)
	updates := published[0].Payload.([]bus.EventUpdate)
	require.Len(t, updates, 2)
	for _, u := range updates {
		assert.Equal(t, store.FieldIsRead, u.Fields)
		assert.True(t, u.Event.IsRead)
	}

	require.Equal(t, bus.GroupsUpdatedFull, published[1].Kind)
	groups := published[1].Payload.([]store.Group)
	require.Len(t, groups, 1)
	assert.Zero(t, groups[0].UnreadCount)
}

func TestModifyEventPublishesTouchedFields(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")
	e := inboundText(g.ID, "0501111111", 100)
	require.NoError(t, f.writer.AddEvent(e))
	f.drain()

	e.FreeText = "edited"
	require.NoError(t, f.writer.ModifyEvent(e, store.FieldFreeText))

	published := f.drain()
	require.Len(t, published, 2)
	require.Equal(t, bus.EventsUpdated, published[0].Kind)
	updates := published[0].Payload.([]bus.EventUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, store.FieldFreeText, updates[0].Fields)
	assert.Equal(t, "edited", updates[0].Event.FreeText)
}

func TestDeleteGroupsPublishesEventsFirst(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, "0501111111")
	a := inboundText(g.ID, "0501111111", 100)
	b := inboundText(g.ID, "0501111111", 200)
	require.NoError(t, f.writer.AddEvents([]*store.Event{a, b}))
	f.drain()

	require.NoError(t, f.writer.DeleteGroups([]int64{g.ID}))

	published := f.drain()
	require.Len(t, published, 2)
	require.Equal(t, bus.EventsDeleted, published[0].Kind)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, published[0].Payload.([]int64))
	require.Equal(t, bus.GroupsDeleted, published[1].Kind)
	assert.Equal(t, []int64{g.ID}, published[1].Payload.([]int64))

	left, err := f.db.GetEvents(store.EventFilter{GroupID: g.ID}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDeleteAllEventsReapsEmptiedGroups(t *testing.T) {
	f := newFixture(t)
	texts := f.group(t, "0501111111")
	calls := f.group(t, "0502222222")
	msg := inboundText(texts.ID, "0501111111", 100)
	require.NoError(t, f.writer.AddEvent(msg))

	call := store.NewEvent()
	call.Type = store.EventCall
	call.Direction = store.DirectionInbound
	call.StartTime = 200
	call.EndTime = 200
	call.LocalUID = testAccount
	call.RemoteUID = "0502222222"
	call.GroupID = calls.ID
	call.IncomingStatus = store.IncomingAnswered
	require.NoError(t, f.writer.AddEvent(&call))
	f.drain()

	require.NoError(t, f.writer.DeleteAllEvents(store.EventCall))

	published := f.drain()
	require.Len(t, published, 2)
	require.Equal(t, bus.EventsDeleted, published[0].Kind)
	assert.Equal(t, []int64{call.ID}, published[0].Payload.([]int64))
	require.Equal(t, bus.GroupsDeleted, published[1].Kind)
	assert.Equal(t, []int64{calls.ID}, published[1].Payload.([]int64))

	// The message and its group survive a call wipe.
	kept, err := f.db.GetEvent(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	still, err := f.db.GetGroup(texts.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
}
