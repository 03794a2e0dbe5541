package aggregate

import (
	"sort"

	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/store"
)

// Item is one top-level entry of a grouped view: a representative event plus
// the ordered list of events it summarizes, newest first. The
// representative's data is duplicated as child 0. EventCount is the
// policy-specific aggregate, not always the child count (see computeCount).
type Item struct {
	Event      store.Event
	Children   []store.Event
	EventCount int

	key string // contact-grouping map key, "" under time grouping
}

// ChangeKind classifies a structural notification for the view-binding
// layer.
type ChangeKind int

const (
	// Inserted: a new item appeared at Index.
	Inserted ChangeKind = iota
	// Removed: the item at Index disappeared.
	Removed
	// Moved: the item at Index relocated to To.
	Moved
	// Updated: the item at Index changed in place.
	Updated
)

// Change is one structural delta. Consumers apply changes in order.
type Change struct {
	Kind  ChangeKind
	Index int
	To    int
}

// Tree holds the ordered top-level items of one view and keeps them
// consistent under incremental insert, update, and delete.
type Tree struct {
	g        grouper
	treeMode bool
	items    []*Item
}

// NewTree creates an empty tree for the given policy. In tree mode items
// keep their full child lists; otherwise only the representative and the
// count are maintained.
func NewTree(policy Policy, reg *identity.Registry, treeMode bool) *Tree {
	return &Tree{g: grouper{policy: policy, reg: reg}, treeMode: treeMode}
}

// Policy returns the active grouping policy.
func (t *Tree) Policy() Policy { return t.g.policy }

// TreeMode reports whether items expose their coalesced children.
func (t *Tree) TreeMode() bool { return t.treeMode }

// Len returns the number of top-level items.
func (t *Tree) Len() int { return len(t.items) }

// At returns the item at index i.
func (t *Tree) At(i int) *Item { return t.items[i] }

// newerThan orders events newest-first; equal sort keys break on descending
// id so replayed queries produce identical trees.
func newerThan(a, b *store.Event) bool {
	if a.EndTime != b.EndTime {
		return a.EndTime > b.EndTime
	}
	return a.ID > b.ID
}

// Populate rebuilds the tree from a full result set. The input need not be
// sorted; filtering by type/account/direction happens before this point.
func (t *Tree) Populate(events []store.Event) {
	sorted := make([]store.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return newerThan(&sorted[i], &sorted[j])
	})

	t.items = nil
	switch t.g.policy {
	case GroupByTime:
		var cur *Item
		for i := range sorted {
			e := sorted[i]
			if cur != nil && t.g.sameGroup(&cur.Children[len(cur.Children)-1], &e) {
				cur.Children = append(cur.Children, e)
				continue
			}
			cur = &Item{Children: []store.Event{e}}
			t.items = append(t.items, cur)
		}
	case GroupByContact, GroupByContactAndType:
		byKey := make(map[string]*Item)
		for i := range sorted {
			e := sorted[i]
			k := t.g.key(&e)
			if item, ok := byKey[k]; ok {
				item.Children = append(item.Children, e)
				continue
			}
			item := &Item{Children: []store.Event{e}, key: k}
			byKey[k] = item
			t.items = append(t.items, item)
		}
	default:
		for i := range sorted {
			t.items = append(t.items, &Item{Children: []store.Event{sorted[i]}})
		}
	}
	for _, item := range t.items {
		t.finalize(item)
	}
}

// finalize restores the item invariants: representative mirrors child 0,
// count follows the policy.
func (t *Tree) finalize(item *Item) {
	item.Event = item.Children[0]
	item.EventCount = t.computeCount(item)
}

// computeCount implements the policy-specific aggregate. Under time grouping
// it is the number of physically coalesced children. Under contact grouping
// it is only meaningful for a missed-call representative: the longest run of
// consecutive missed calls sharing child 0's incoming status, starting at
// child 0, not the child count.
func (t *Tree) computeCount(item *Item) int {
	switch t.g.policy {
	case GroupByContact, GroupByContactAndType:
		if !item.Event.IsMissedCall {
			return len(item.Children)
		}
		status := item.Children[0].IncomingStatus
		run := 0
		for i := range item.Children {
			c := &item.Children[i]
			if !c.IsMissedCall || c.IncomingStatus != status {
				break
			}
			run++
		}
		return run
	default:
		return len(item.Children)
	}
}

// itemPos returns the index where an item headed by e belongs, skipping the
// item at exclusion (or -1 for none).
func (t *Tree) itemPos(e *store.Event, exclude int) int {
	pos := 0
	for i, item := range t.items {
		if i == exclude {
			continue
		}
		if newerThan(e, &item.Event) {
			break
		}
		pos = i + 1
	}
	if exclude >= 0 && pos > exclude {
		pos--
	}
	return pos
}

func (t *Tree) insertItemAt(pos int, item *Item) {
	t.items = append(t.items, nil)
	copy(t.items[pos+1:], t.items[pos:])
	t.items[pos] = item
}

func (t *Tree) removeItemAt(pos int) {
	t.items = append(t.items[:pos], t.items[pos+1:]...)
}

// moveItem relocates from -> to as a single move.
func (t *Tree) moveItem(from, to int) {
	item := t.items[from]
	t.removeItemAt(from)
	t.insertItemAt(to, item)
}

// find locates the item and child index holding the given event id.
func (t *Tree) find(id int64) (itemIdx, childIdx int) {
	for i, item := range t.items {
		for j := range item.Children {
			if item.Children[j].ID == id {
				return i, j
			}
		}
	}
	return -1, -1
}

// insertChild places e at its sorted position in the item's child list.
func insertChild(item *Item, e store.Event) {
	pos := len(item.Children)
	for i := range item.Children {
		if newerThan(&e, &item.Children[i]) {
			pos = i
			break
		}
	}
	item.Children = append(item.Children, store.Event{})
	copy(item.Children[pos+1:], item.Children[pos:])
	item.Children[pos] = e
}

// InsertEvent applies one freshly committed event to the tree and returns
// the structural changes for observers. The caller has already filtered e
// against the view's type/account/direction filter. An id already in the
// tree is ignored, so replaying a delta the populate query included is a
// no-op.
func (t *Tree) InsertEvent(e store.Event) []Change {
	if itemIdx, _ := t.find(e.ID); itemIdx >= 0 {
		return nil
	}
	switch t.g.policy {
	case GroupByTime:
		return t.insertByTime(e)
	case GroupByContact, GroupByContactAndType:
		return t.insertByContact(e)
	default:
		pos := t.itemPos(&e, -1)
		t.insertItemAt(pos, &Item{Children: []store.Event{e}})
		t.finalize(t.items[pos])
		return []Change{{Kind: Inserted, Index: pos}}
	}
}

func (t *Tree) insertByTime(e store.Event) []Change {
	pos := t.itemPos(&e, -1)

	// The item at pos is the older temporal neighbor; its newest child sits
	// directly after e. The item at pos-1 is the newer neighbor; its oldest
	// child sits directly before e.
	mergeOlder := pos < len(t.items) && t.g.sameGroup(&e, &t.items[pos].Children[0])
	mergeNewer := pos > 0 && t.g.sameGroup(&t.items[pos-1].Children[len(t.items[pos-1].Children)-1], &e)

	switch {
	case mergeNewer && mergeOlder:
		// e bridges two runs: fold the older item into the newer one.
		newer, older := t.items[pos-1], t.items[pos]
		newer.Children = append(newer.Children, e)
		newer.Children = append(newer.Children, older.Children...)
		t.removeItemAt(pos)
		t.finalize(newer)
		return []Change{{Kind: Removed, Index: pos}, {Kind: Updated, Index: pos - 1}}
	case mergeOlder:
		item := t.items[pos]
		insertChild(item, e)
		t.finalize(item)
		return []Change{{Kind: Updated, Index: pos}}
	case mergeNewer:
		item := t.items[pos-1]
		insertChild(item, e)
		t.finalize(item)
		return []Change{{Kind: Updated, Index: pos - 1}}
	default:
		// A dissimilar event landing inside an existing run splits it: the
		// children before and after the divider are no longer temporally
		// adjacent, so batched and incremental trees stay identical.
		if pos > 0 {
			neighbor := t.items[pos-1]
			if cut := splitPoint(neighbor, &e); cut < len(neighbor.Children) {
				tail := append([]store.Event(nil), neighbor.Children[cut:]...)
				neighbor.Children = neighbor.Children[:cut]
				t.finalize(neighbor)
				t.insertItemAt(pos, &Item{Children: []store.Event{e}})
				t.finalize(t.items[pos])
				rest := &Item{Children: tail}
				t.insertItemAt(pos+1, rest)
				t.finalize(rest)
				return []Change{
					{Kind: Updated, Index: pos - 1},
					{Kind: Inserted, Index: pos},
					{Kind: Inserted, Index: pos + 1},
				}
			}
		}
		t.insertItemAt(pos, &Item{Children: []store.Event{e}})
		t.finalize(t.items[pos])
		return []Change{{Kind: Inserted, Index: pos}}
	}
}

// splitPoint returns the index of the first child of item that is older than
// e, or the child count when e is older than all of them.
func splitPoint(item *Item, e *store.Event) int {
	for i := range item.Children {
		if newerThan(e, &item.Children[i]) {
			return i
		}
	}
	return len(item.Children)
}

func (t *Tree) insertByContact(e store.Event) []Change {
	k := t.g.key(&e)
	for i, item := range t.items {
		if item.key != k {
			continue
		}
		insertChild(item, e)
		t.finalize(item)
		// Most-recent-group-first: adding the view's newest event moves an
		// existing group to the front as a single relocation, never a full
		// re-sort.
		npos := t.itemPos(&item.Event, i)
		if npos != i {
			t.moveItem(i, npos)
			return []Change{{Kind: Moved, Index: i, To: npos}, {Kind: Updated, Index: npos}}
		}
		return []Change{{Kind: Updated, Index: i}}
	}
	pos := t.itemPos(&e, -1)
	t.insertItemAt(pos, &Item{Children: []store.Event{e}, key: k})
	t.finalize(t.items[pos])
	return []Change{{Kind: Inserted, Index: pos}}
}

// UpdateEvent applies a post-commit event update. When a grouping-relevant
// field changed it does not attempt in-place tree surgery: it reports the
// affected group remotes as dirty and the view refetches just those groups.
// Field-only changes are applied in place; a sort-key advance triggers a
// single relocation.
func (t *Tree) UpdateEvent(e store.Event, fields store.EventField) (changes []Change, dirty []string) {
	itemIdx, childIdx := t.find(e.ID)
	if itemIdx < 0 {
		return nil, nil
	}
	item := t.items[itemIdx]
	old := item.Children[childIdx]

	if fields&groupingFields != 0 {
		dirty = append(dirty, old.RemoteUID)
		if e.RemoteUID != old.RemoteUID {
			dirty = append(dirty, e.RemoteUID)
		}
		return nil, t.expandDirty(dirty)
	}

	item.Children[childIdx] = e
	if childIdx != 0 {
		item.EventCount = t.computeCount(item)
		return []Change{{Kind: Updated, Index: itemIdx}}, nil
	}

	t.finalize(item)
	if e.EndTime != old.EndTime || e.ID != old.ID {
		npos := t.itemPos(&item.Event, itemIdx)
		if npos != itemIdx {
			t.moveItem(itemIdx, npos)
			return []Change{{Kind: Moved, Index: itemIdx, To: npos}, {Kind: Updated, Index: npos}}, nil
		}
	}
	return []Change{{Kind: Updated, Index: itemIdx}}, nil
}

// expandDirty widens a dirty remote set to every remote sharing an item with
// one of them. A contact-keyed item can span several addresses of the same
// contact; rebuilding drops the whole item, so the refetch must cover every
// address in it, not just the one that changed. Runs to a fixpoint because
// shared addresses can chain across items.
func (t *Tree) expandDirty(remotes []string) []string {
	set := make(map[string]bool, len(remotes))
	for _, r := range remotes {
		set[r] = true
	}
	for grown := true; grown; {
		grown = false
		for _, item := range t.items {
			touched := false
			for i := range item.Children {
				if set[item.Children[i].RemoteUID] {
					touched = true
					break
				}
			}
			if !touched {
				continue
			}
			for i := range item.Children {
				if !set[item.Children[i].RemoteUID] {
					set[item.Children[i].RemoteUID] = true
					grown = true
				}
			}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// DeleteItem removes a whole top-level group. Under time grouping, former
// neighbors that now satisfy the same-run predicate merge into one item as
// part of the same operation.
func (t *Tree) DeleteItem(idx int) []Change {
	t.removeItemAt(idx)
	changes := []Change{{Kind: Removed, Index: idx}}

	if t.g.policy == GroupByTime && idx > 0 && idx < len(t.items) {
		newer, older := t.items[idx-1], t.items[idx]
		if t.g.sameGroup(&newer.Children[len(newer.Children)-1], &older.Children[0]) {
			newer.Children = append(newer.Children, older.Children...)
			t.removeItemAt(idx)
			t.finalize(newer)
			changes = append(changes,
				Change{Kind: Removed, Index: idx},
				Change{Kind: Updated, Index: idx - 1})
		}
	}
	return changes
}

// DeleteEvent removes one event. Removing the last child removes the item
// (with neighbor merging under time grouping). Removing the representative
// promotes the next child. Removing an arbitrary middle child decrements the
// count best-effort: under contact grouping the prefix-run aggregate is an
// accepted approximation from then on.
func (t *Tree) DeleteEvent(id int64) []Change {
	itemIdx, childIdx := t.find(id)
	if itemIdx < 0 {
		return nil
	}
	item := t.items[itemIdx]

	if len(item.Children) == 1 {
		return t.DeleteItem(itemIdx)
	}

	item.Children = append(item.Children[:childIdx], item.Children[childIdx+1:]...)
	if childIdx == 0 {
		// Promote the next child to representative; the head getting older
		// may demand a single relocation.
		t.finalize(item)
		npos := t.itemPos(&item.Event, itemIdx)
		if npos != itemIdx {
			t.moveItem(itemIdx, npos)
			return []Change{{Kind: Moved, Index: itemIdx, To: npos}, {Kind: Updated, Index: npos}}
		}
		return []Change{{Kind: Updated, Index: itemIdx}}
	}

	switch t.g.policy {
	case GroupByContact, GroupByContactAndType:
		if item.EventCount > 0 {
			item.EventCount--
		}
	default:
		item.EventCount = len(item.Children)
	}
	return []Change{{Kind: Updated, Index: itemIdx}}
}

// RebuildGroups drops every item touching one of the dirty remote addresses
// and re-inserts the refetched events. This is the full-refetch path for
// grouping-relevant updates.
func (t *Tree) RebuildGroups(remotes []string, events []store.Event) []Change {
	var changes []Change
	dirty := make(map[string]bool, len(remotes))
	for _, r := range remotes {
		dirty[r] = true
	}

	for i := 0; i < len(t.items); {
		touched := false
		for j := range t.items[i].Children {
			if dirty[t.items[i].Children[j].RemoteUID] {
				touched = true
				break
			}
		}
		if touched {
			t.removeItemAt(i)
			changes = append(changes, Change{Kind: Removed, Index: i})
			continue
		}
		i++
	}

	sorted := make([]store.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return newerThan(&sorted[i], &sorted[j])
	})
	// Oldest first so every insert lands at the front of its run.
	for i := len(sorted) - 1; i >= 0; i-- {
		changes = append(changes, t.InsertEvent(sorted[i])...)
	}
	return changes
}
