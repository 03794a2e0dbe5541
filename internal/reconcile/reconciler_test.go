package reconcile

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "commhist.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func addGroup(t *testing.T, db *store.DB, remote string) int64 {
	t.Helper()
	g := store.NewGroup()
	g.LocalUID = "ring/tel/ring"
	g.RemoteUIDs = []string{remote}
	tx, err := db.Transaction()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddGroup(tx, &g); err != nil {
		t.Fatalf("AddGroup() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return g.ID
}

func addEvent(t *testing.T, db *store.DB, groupID int64, remote string) {
	t.Helper()
	e := store.NewEvent()
	e.Type = store.EventText
	e.Direction = store.DirectionInbound
	e.StartTime = 100
	e.EndTime = 100
	e.LocalUID = "ring/tel/ring"
	e.RemoteUID = remote
	e.GroupID = groupID
	tx, err := db.Transaction()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddEvent(tx, &e); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestRunPrunesEmptyAndReannouncesLive(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe("groups.", 16)
	defer unsub()

	live := addGroup(t, db, "0501111111")
	addEvent(t, db, live, "0501111111")
	empty := addGroup(t, db, "0502222222")

	rec, err := New(db, b, zap.NewNop(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := rec.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	deleted := <-ch
	if deleted.Kind != bus.GroupsDeleted {
		t.Fatalf("first event = %q, want %q", deleted.Kind, bus.GroupsDeleted)
	}
	ids := deleted.Payload.([]int64)
	if len(ids) != 1 || ids[0] != empty {
		t.Errorf("pruned ids = %v, want [%d]", ids, empty)
	}

	updated := <-ch
	if updated.Kind != bus.GroupsUpdated {
		t.Fatalf("second event = %q, want %q", updated.Kind, bus.GroupsUpdated)
	}
	liveIDs := updated.Payload.([]int64)
	if len(liveIDs) != 1 || liveIDs[0] != live {
		t.Errorf("live ids = %v, want [%d]", liveIDs, live)
	}

	g, err := db.GetGroup(empty)
	if err != nil {
		t.Fatal(err)
	}
	if g != nil {
		t.Error("empty group still present after prune")
	}
}

func TestRunWithNothingToRepairPublishesOnlyLive(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe("groups.", 16)
	defer unsub()

	id := addGroup(t, db, "0501111111")
	addEvent(t, db, id, "0501111111")

	rec, err := New(db, b, zap.NewNop(), DefaultSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	evt := <-ch
	if evt.Kind != bus.GroupsUpdated {
		t.Fatalf("event = %q, want %q", evt.Kind, bus.GroupsUpdated)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra event %q", extra.Kind)
	default:
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	db := testDB(t)
	if _, err := New(db, bus.New(), zap.NewNop(), "not a schedule"); err == nil {
		t.Error("New() accepted a malformed schedule")
	}
}
