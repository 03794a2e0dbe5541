package bus

import (
	"time"

	"github.com/tretyn/commhist/internal/store"
)

// Event kinds published by the write path. Payload types are documented on
// each constant; cross-process frames carry the same kinds.
const (
	// EventsAdded carries []store.Event, one per freshly committed row.
	EventsAdded = "events.added"
	// EventsUpdated carries []EventUpdate with the post-commit column values
	// and the set of fields the write actually touched.
	EventsUpdated = "events.updated"
	// EventsDeleted carries []int64 event ids.
	EventsDeleted = "events.deleted"
	// GroupsAdded carries []store.Group.
	GroupsAdded = "groups.added"
	// GroupsUpdated carries []int64 group ids whose denormalized summary
	// changed; consumers refetch what they care about.
	GroupsUpdated = "groups.updated"
	// GroupsUpdatedFull carries []store.Group with complete row contents.
	GroupsUpdatedFull = "groups.updatedFull"
	// GroupsDeleted carries []int64 group ids.
	GroupsDeleted = "groups.deleted"
	// ContactsResolved carries a resolve batch result.
	ContactsResolved = "contacts.resolved"
	// ContactsChanged carries the directory contact id that changed.
	ContactsChanged = "contacts.changed"
)

// EventUpdate pairs a post-commit event with the fields its write touched,
// so views can tell a field-only change from one that re-groups.
type EventUpdate struct {
	Event  store.Event
	Fields store.EventField
}

// Event is one domain event. Seq is the commit sequence of the source
// transaction; all events emitted by one commit share a Seq, so subscribers
// can apply them as a single delta.
type Event struct {
	Kind      string
	Seq       uint64
	Timestamp time.Time
	Payload   any
}
