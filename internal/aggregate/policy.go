// Package aggregate maintains the in-memory grouped, sorted views over
// events: the tree of top-level items, the grouping policies, and the
// incremental insert/update/delete algorithms that keep a live view
// consistent with committed store deltas.
package aggregate

import (
	"fmt"

	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/store"
)

// Policy selects how events coalesce into top-level items.
type Policy int

const (
	// GroupByNone keeps every event as its own item.
	GroupByNone Policy = iota
	// GroupByTime coalesces strictly consecutive events that agree on
	// direction, missed status, contact, and video-ness; a dissimilar event
	// in between breaks the run.
	GroupByTime
	// GroupByContact keeps one item per resolved-contact-or-address plus
	// video-ness, gathered from the whole result set regardless of
	// adjacency.
	GroupByContact
	// GroupByContactAndType adds missed/received/dialed matching on top of
	// contact grouping.
	GroupByContactAndType
)

func (p Policy) String() string {
	switch p {
	case GroupByNone:
		return "none"
	case GroupByTime:
		return "time"
	case GroupByContact:
		return "contact"
	case GroupByContactAndType:
		return "contact+type"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// CallType is the dialed/received/missed classification used by
// GroupByContactAndType.
type CallType int

const (
	CallDialed CallType = iota
	CallReceived
	CallMissed
)

// EventCallType classifies an event for type-grouping purposes.
func EventCallType(e *store.Event) CallType {
	switch {
	case e.Direction == store.DirectionOutbound:
		return CallDialed
	case e.IsMissedCall:
		return CallMissed
	default:
		return CallReceived
	}
}

// grouper evaluates the active policy's predicates. It interns remote
// addresses through the shared registry so contact equivalence follows
// resolution state.
type grouper struct {
	policy Policy
	reg    *identity.Registry
}

func (g grouper) identity(e *store.Event) identity.Identity {
	return g.reg.Identity(e.LocalUID, e.RemoteUID)
}

func (g grouper) sameContact(a, b *store.Event) bool {
	return g.identity(a).IsSameContact(g.identity(b))
}

// sameGroup reports whether two events belong to the same item under the
// active policy. For GroupByTime the caller is responsible for only asking
// about temporally adjacent events.
func (g grouper) sameGroup(a, b *store.Event) bool {
	switch g.policy {
	case GroupByTime:
		return a.Direction == b.Direction &&
			a.IsMissedCall == b.IsMissedCall &&
			a.IsVideoCall == b.IsVideoCall &&
			g.sameContact(a, b)
	case GroupByContact:
		return a.IsVideoCall == b.IsVideoCall && g.sameContact(a, b)
	case GroupByContactAndType:
		return a.IsVideoCall == b.IsVideoCall &&
			EventCallType(a) == EventCallType(b) &&
			g.sameContact(a, b)
	default:
		return false
	}
}

// key builds the map key identifying an event's item under contact grouping.
// Resolved addresses key on the contact id so two numbers of one contact
// share an item; unresolved ones key on the canonical address.
func (g grouper) key(e *store.Event) string {
	id := g.identity(e)
	base := "a|" + id.Key()
	if cid := id.ContactID(); cid != 0 {
		base = fmt.Sprintf("c|%d", cid)
	}
	video := "a"
	if e.IsVideoCall {
		video = "v"
	}
	switch g.policy {
	case GroupByContactAndType:
		return fmt.Sprintf("%s|%s|%d", base, video, EventCallType(e))
	default:
		return base + "|" + video
	}
}

// groupingFields are the event fields whose change can move an event to a
// different item, forcing a refetch of the affected groups.
const groupingFields = store.FieldDirection | store.FieldIsMissedCall |
	store.FieldIsVideoCall | store.FieldType | store.FieldGroupID
