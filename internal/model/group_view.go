package model

import (
	"sort"
	"sync"

	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/resolve"
	"github.com/tretyn/commhist/internal/store"
	"go.uber.org/zap"
)

// GroupView is a live, ordered list of conversation groups, most recently
// active first.
type GroupView struct {
	db       *store.DB
	bus      *bus.Bus
	reg      *identity.Registry
	resolver *resolve.Resolver
	logger   *zap.Logger
	filter   store.GroupFilter

	mu       sync.Mutex
	groups   []store.Group
	observer Observer
	closed   bool
	unsub    func()
}

// NewGroupView builds a group view; call Load to populate.
func NewGroupView(db *store.DB, b *bus.Bus, reg *identity.Registry, resolver *resolve.Resolver, logger *zap.Logger, filter store.GroupFilter) *GroupView {
	v := &GroupView{
		db:       db,
		bus:      b,
		reg:      reg,
		resolver: resolver,
		logger:   logger,
		filter:   filter,
	}
	if b != nil {
		ch, unsub := b.Subscribe("groups.", 256)
		v.unsub = unsub
		go v.consume(ch)
	}
	return v
}

// SetObserver registers the structural-change consumer.
func (v *GroupView) SetObserver(o Observer) {
	v.mu.Lock()
	v.observer = o
	v.mu.Unlock()
}

// Load populates the view from the store.
func (v *GroupView) Load() error {
	groups, err := v.db.GetGroups(v.filter)
	if err != nil {
		return err
	}
	if v.resolver != nil {
		for i := range groups {
			v.resolver.Request(v.identities(&groups[i])...)
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.groups = groups
	if v.observer != nil {
		v.observer.Populated()
	}
	return nil
}

// Len returns the number of groups.
func (v *GroupView) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.groups)
}

// At returns a copy of the group at index i.
func (v *GroupView) At(i int) store.Group {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.groups[i]
}

// Recipients returns the interned identity list of the group at index i.
func (v *GroupView) Recipients(i int) identity.List {
	v.mu.Lock()
	g := v.groups[i]
	v.mu.Unlock()
	return v.identities(&g)
}

func (v *GroupView) identities(g *store.Group) identity.List {
	return identity.NewList(v.reg, g.LocalUID, g.RemoteUIDs...)
}

// Close tears the view down.
func (v *GroupView) Close() {
	v.mu.Lock()
	v.closed = true
	unsub := v.unsub
	v.unsub = nil
	v.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (v *GroupView) matches(g store.Group) bool {
	if v.filter.LocalUID != "" && g.LocalUID != v.filter.LocalUID {
		return false
	}
	if v.filter.RemoteUID != "" {
		found := false
		for _, r := range g.RemoteUIDs {
			if r == v.filter.RemoteUID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (v *GroupView) consume(ch <-chan bus.Event) {
	for evt := range ch {
		switch evt.Kind {
		case bus.GroupsAdded:
			groups, ok := evt.Payload.([]store.Group)
			if !ok {
				continue
			}
			for _, g := range groups {
				if v.matches(g) {
					v.upsert(g)
				}
			}
		case bus.GroupsUpdatedFull:
			groups, ok := evt.Payload.([]store.Group)
			if !ok {
				continue
			}
			for _, g := range groups {
				if v.matches(g) {
					v.upsert(g)
				}
			}
		case bus.GroupsUpdated:
			ids, ok := evt.Payload.([]int64)
			if !ok {
				continue
			}
			for _, id := range ids {
				v.refetch(id)
			}
		case bus.GroupsDeleted:
			ids, ok := evt.Payload.([]int64)
			if !ok {
				continue
			}
			for _, id := range ids {
				v.remove(id)
			}
		}
	}
}

// refetch reloads one group's row after an id-only update notification.
func (v *GroupView) refetch(id int64) {
	v.mu.Lock()
	present := v.index(id) >= 0
	v.mu.Unlock()
	if !present {
		return
	}
	g, err := v.db.GetGroup(id)
	if err != nil {
		v.logger.Error("group refetch failed", zap.Int64("group", id), zap.Error(err))
		return
	}
	if g == nil {
		v.remove(id)
		return
	}
	v.upsert(*g)
}

// index returns the position of group id, -1 if absent. Caller holds mu.
func (v *GroupView) index(id int64) int {
	for i := range v.groups {
		if v.groups[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *GroupView) upsert(g store.Group) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if i := v.index(g.ID); i >= 0 {
		v.groups[i] = g
		pos := v.sortedPos(&g, i)
		if pos != i {
			moved := v.groups[i]
			v.groups = append(v.groups[:i], v.groups[i+1:]...)
			v.groups = append(v.groups[:pos], append([]store.Group{moved}, v.groups[pos:]...)...)
			if v.observer != nil {
				v.observer.RowMoved(i, pos)
			}
		}
		if v.observer != nil {
			v.observer.RowChanged(pos)
		}
		return
	}
	pos := v.sortedPos(&g, -1)
	v.groups = append(v.groups[:pos], append([]store.Group{g}, v.groups[pos:]...)...)
	if v.observer != nil {
		v.observer.RowsInserted(pos, 1)
	}
}

func (v *GroupView) remove(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	i := v.index(id)
	if i < 0 {
		return
	}
	v.groups = append(v.groups[:i], v.groups[i+1:]...)
	if v.observer != nil {
		v.observer.RowsRemoved(i, 1)
	}
}

// sortedPos finds the most-recent-first position for g, skipping index
// exclude. Caller holds mu.
func (v *GroupView) sortedPos(g *store.Group, exclude int) int {
	pos := 0
	for i := range v.groups {
		if i == exclude {
			continue
		}
		o := &v.groups[i]
		if g.EndTime > o.EndTime || (g.EndTime == o.EndTime && g.ID > o.ID) {
			break
		}
		pos = i + 1
	}
	if exclude >= 0 && pos > exclude {
		pos--
	}
	return pos
}

// ContactGroup is a derived, read-only aggregate of groups that resolve to
// the same contact set. Never persisted; recomputed whenever a constituent
// group or its resolution state changes.
type ContactGroup struct {
	Recipients  identity.List
	Groups      []store.Group
	StartTime   int64
	EndTime     int64
	UnreadCount int
	TotalEvents int
	LastGroup   store.Group
}

// ContactGroups recomputes the contact aggregation over the view's current
// groups.
func (v *GroupView) ContactGroups() []ContactGroup {
	v.mu.Lock()
	groups := append([]store.Group(nil), v.groups...)
	v.mu.Unlock()

	var out []ContactGroup
	for _, g := range groups {
		recipients := v.identities(&g)
		merged := false
		for i := range out {
			if out[i].Recipients.HasSameContacts(recipients) {
				out[i].Groups = append(out[i].Groups, g)
				out[i].UnreadCount += g.UnreadCount
				out[i].TotalEvents += g.TotalEvents
				if g.StartTime != 0 && (out[i].StartTime == 0 || g.StartTime < out[i].StartTime) {
					out[i].StartTime = g.StartTime
				}
				if g.EndTime > out[i].EndTime {
					out[i].EndTime = g.EndTime
					out[i].LastGroup = g
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, ContactGroup{
				Recipients:  recipients,
				Groups:      []store.Group{g},
				StartTime:   g.StartTime,
				EndTime:     g.EndTime,
				UnreadCount: g.UnreadCount,
				TotalEvents: g.TotalEvents,
				LastGroup:   g,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndTime > out[j].EndTime
	})
	return out
}
