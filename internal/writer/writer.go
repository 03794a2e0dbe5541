// Package writer is the single-writer commit path: every mutation runs in a
// store transaction and, once committed, is published on the change bus so
// each process's views converge on the same state.
package writer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/store"
	"go.uber.org/zap"
)

// Writer applies mutations to the store and announces committed deltas.
type Writer struct {
	db     *store.DB
	bus    *bus.Bus
	reg    *identity.Registry
	logger *zap.Logger
	seq    atomic.Uint64
}

// New creates a writer.
func New(db *store.DB, b *bus.Bus, reg *identity.Registry, logger *zap.Logger) *Writer {
	return &Writer{db: db, bus: b, reg: reg, logger: logger}
}

func (w *Writer) publish(seq uint64, kind string, payload any) {
	w.bus.Publish(bus.Event{
		Kind:      kind,
		Seq:       seq,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// AddEvents persists a batch of events in one transaction. Outbound messages
// without a token get one assigned. Nothing is published unless the commit
// succeeds; a failed write leaves every view untouched.
func (w *Writer) AddEvents(events []*store.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	groupIDs := make(map[int64]bool)
	for _, e := range events {
		if e.MessageToken == "" && e.Direction == store.DirectionOutbound && e.Type != store.EventCall {
			e.MessageToken = uuid.NewString()
		}
		if err := w.db.AddEvent(tx, e); err != nil {
			return fmt.Errorf("add event: %w", err)
		}
		if e.GroupID > 0 {
			groupIDs[e.GroupID] = true
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	seq := w.seq.Add(1)
	added := make([]store.Event, len(events))
	for i, e := range events {
		added[i] = *e
	}
	w.publish(seq, bus.EventsAdded, added)
	w.publishGroupSummaries(seq, groupIDs)
	return nil
}

// AddEvent persists one event.
func (w *Writer) AddEvent(e *store.Event) error {
	return w.AddEvents([]*store.Event{e})
}

// ModifyEvent rewrites the given fields of an event and publishes the
// post-commit row together with the touched field set.
func (w *Writer) ModifyEvent(e *store.Event, fields store.EventField) error {
	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := w.db.ModifyEvent(tx, e, fields); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	seq := w.seq.Add(1)
	w.publish(seq, bus.EventsUpdated, []bus.EventUpdate{{Event: *e, Fields: fields}})
	if e.GroupID > 0 {
		w.publishGroupSummaries(seq, map[int64]bool{e.GroupID: true})
	}
	return nil
}

// DeleteEvent removes an event; if it was the last event of its group the
// group is reaped in the same transaction.
func (w *Writer) DeleteEvent(id int64) error {
	e, err := w.db.GetEvent(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: event %d not found", store.ErrPrecondition, id)
	}

	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := w.db.DeleteEvent(tx, id); err != nil {
		return err
	}
	groupReaped := false
	if e.GroupID > 0 {
		var left int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM events WHERE group_id = ?`, e.GroupID).Scan(&left); err != nil {
			return fmt.Errorf("count group events: %w", err)
		}
		if left == 0 {
			if err := w.db.DeleteGroup(tx, e.GroupID); err != nil {
				return err
			}
			groupReaped = true
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	seq := w.seq.Add(1)
	w.publish(seq, bus.EventsDeleted, []int64{id})
	if groupReaped {
		w.publish(seq, bus.GroupsDeleted, []int64{e.GroupID})
	} else if e.GroupID > 0 {
		w.publishGroupSummaries(seq, map[int64]bool{e.GroupID: true})
	}
	return nil
}

// AddGroup persists a new conversation group.
func (w *Writer) AddGroup(g *store.Group) error {
	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := w.db.AddGroup(tx, g); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.publish(w.seq.Add(1), bus.GroupsAdded, []store.Group{*g})
	return nil
}

// EnsureGroup returns a group for the address set, creating one implicitly
// when no existing group's recipients match (the first outgoing message to a
// new address set).
func (w *Writer) EnsureGroup(localUID string, remoteUIDs []string) (*store.Group, error) {
	want := identity.NewList(w.reg, localUID, remoteUIDs...)
	existing, err := w.db.GetGroups(store.GroupFilter{LocalUID: localUID})
	if err != nil {
		return nil, err
	}
	for i := range existing {
		have := identity.NewList(w.reg, existing[i].LocalUID, existing[i].RemoteUIDs...)
		if have.Matches(want) {
			return &existing[i], nil
		}
	}
	g := store.NewGroup()
	g.LocalUID = localUID
	g.RemoteUIDs = remoteUIDs
	if len(remoteUIDs) > 1 {
		g.Type = store.ChatRoom
	}
	if err := w.AddGroup(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ModifyGroup rewrites the given fields of a group.
func (w *Writer) ModifyGroup(g *store.Group, fields store.GroupField) error {
	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := w.db.ModifyGroup(tx, g, fields); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.publish(w.seq.Add(1), bus.GroupsUpdatedFull, []store.Group{*g})
	return nil
}

// DeleteGroups removes groups and their events.
func (w *Writer) DeleteGroups(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	var eventIDs []int64
	for _, id := range ids {
		events, err := w.db.GetEvents(store.EventFilter{GroupID: id}, 0, 0)
		if err != nil {
			return err
		}
		for i := range events {
			eventIDs = append(eventIDs, events[i].ID)
		}
	}

	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := w.db.DeleteGroups(tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	seq := w.seq.Add(1)
	if len(eventIDs) > 0 {
		w.publish(seq, bus.EventsDeleted, eventIDs)
	}
	w.publish(seq, bus.GroupsDeleted, ids)
	return nil
}

// MarkAsRead flips the read flag on a batch of events.
func (w *Writer) MarkAsRead(ids []int64, read bool) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := w.db.MarkAsRead(tx, ids, read); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	seq := w.seq.Add(1)
	updates := make([]bus.EventUpdate, 0, len(ids))
	groupIDs := make(map[int64]bool)
	for _, id := range ids {
		e, err := w.db.GetEvent(id)
		if err != nil || e == nil {
			continue
		}
		updates = append(updates, bus.EventUpdate{Event: *e, Fields: store.FieldIsRead})
		if e.GroupID > 0 {
			groupIDs[e.GroupID] = true
		}
	}
	w.publish(seq, bus.EventsUpdated, updates)
	w.publishGroupSummaries(seq, groupIDs)
	return nil
}

// DeleteAllEvents wipes every event of a type and reaps the groups left
// empty by the wipe.
func (w *Writer) DeleteAllEvents(typ store.EventType) error {
	tx, err := w.db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := w.db.DeleteAllEvents(tx, typ)
	if err != nil {
		return err
	}
	// Reap groups emptied by the wipe.
	rows, err := tx.Query(`SELECT id FROM groups WHERE NOT EXISTS (SELECT 1 FROM events WHERE group_id = groups.id)`)
	if err != nil {
		return err
	}
	var emptied []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		emptied = append(emptied, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if err := w.db.DeleteGroups(tx, emptied); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	seq := w.seq.Add(1)
	if len(ids) > 0 {
		w.publish(seq, bus.EventsDeleted, ids)
	}
	if len(emptied) > 0 {
		w.publish(seq, bus.GroupsDeleted, emptied)
	}
	return nil
}

// publishGroupSummaries re-reads touched groups and announces their derived
// summaries.
func (w *Writer) publishGroupSummaries(seq uint64, ids map[int64]bool) {
	if len(ids) == 0 {
		return
	}
	var groups []store.Group
	for id := range ids {
		g, err := w.db.GetGroup(id)
		if err != nil {
			w.logger.Error("group summary read failed", zap.Int64("group", id), zap.Error(err))
			continue
		}
		if g != nil {
			groups = append(groups, *g)
		}
	}
	if len(groups) > 0 {
		w.publish(seq, bus.GroupsUpdatedFull, groups)
	}
}
