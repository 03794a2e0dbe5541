package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/ipc"
	"github.com/tretyn/commhist/internal/lock"
	"github.com/tretyn/commhist/internal/reconcile"
	"github.com/tretyn/commhist/internal/store"
	"github.com/tretyn/commhist/internal/writer"
	"go.uber.org/zap"
)

// TestDaemonLifecycle composes the writer process by hand and checks that a
// committed write reaches a connected reader process.
func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "commhist-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	profileDir := filepath.Join(tmpDir, "p")
	socketPath := filepath.Join(profileDir, "d.sock")
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	logger := zap.NewNop()
	db, err := store.Open(filepath.Join(profileDir, "commhist.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	writerBus := bus.New()
	w := writer.New(db, writerBus, identity.NewRegistry(), logger)

	broker, err := ipc.NewBroker(socketPath, writerBus, logger)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = broker.Start() }()
	defer broker.Stop()

	// Reader side.
	readerBus := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ipc.NewListener(socketPath, readerBus, logger).Run(ctx) }()
	received, unsub := readerBus.Subscribe("events.", 16)
	defer unsub()

	// Give the listener a moment to connect, then commit a write.
	time.Sleep(100 * time.Millisecond)

	g := store.NewGroup()
	g.LocalUID = "ring/tel/ring"
	g.RemoteUIDs = []string{"555123456"}
	if err := w.AddGroup(&g); err != nil {
		t.Fatal(err)
	}
	e := store.NewEvent()
	e.Type = store.EventText
	e.Direction = store.DirectionInbound
	e.GroupID = g.ID
	e.LocalUID = g.LocalUID
	e.RemoteUID = "555123456"
	e.FreeText = "hello"
	e.StartTime = 1000
	e.EndTime = 1000
	if err := w.AddEvent(&e); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-received:
		if evt.Kind != bus.EventsAdded {
			t.Fatalf("kind = %q, want %q", evt.Kind, bus.EventsAdded)
		}
		events, ok := evt.Payload.([]store.Event)
		if !ok || len(events) != 1 {
			t.Fatalf("payload = %#v", evt.Payload)
		}
		if events[0].FreeText != "hello" {
			t.Errorf("FreeText = %q, want %q", events[0].FreeText, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader never received the committed event")
	}

	// A reconcile pass over a consistent store must not prune anything.
	rec, err := reconcile.New(db, writerBus, logger, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Run(); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetGroup(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("group pruned despite having events")
	}
}

// TestSecondWriterRejected verifies the single-writer lock.
func TestSecondWriterRejected(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "commhist-lock-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(tmpDir); err == nil {
		t.Fatal("second Acquire() should fail while daemon holds the lock")
	}
}
