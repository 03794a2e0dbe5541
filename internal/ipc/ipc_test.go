package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/store"
	"go.uber.org/zap"
)

func TestBrokerRelaysFrames(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "commhistd.sock")
	logger := zap.NewNop()

	writerBus := bus.New()
	broker, err := NewBroker(socket, writerBus, logger)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	go func() { _ = broker.Start() }()
	defer broker.Stop()

	readerBus := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewListener(socket, readerBus, logger).Run(ctx) }()

	received, unsub := readerBus.Subscribe("events.", 16)
	defer unsub()

	payload := []store.Event{{ID: 7, Type: store.EventText, FreeText: "hi"}}
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	// The listener connects asynchronously; keep publishing until a frame
	// makes the round trip.
	for {
		select {
		case evt := <-received:
			if evt.Kind != bus.EventsAdded {
				t.Fatalf("kind = %q, want %q", evt.Kind, bus.EventsAdded)
			}
			events, ok := evt.Payload.([]store.Event)
			if !ok {
				t.Fatalf("payload type = %T", evt.Payload)
			}
			if len(events) != 1 || events[0].ID != 7 || events[0].FreeText != "hi" {
				t.Fatalf("payload = %+v", events)
			}
			return
		case <-ticker.C:
			writerBus.Publish(bus.Event{
				Kind:      bus.EventsAdded,
				Seq:       1,
				Timestamp: time.Now(),
				Payload:   payload,
			})
		case <-deadline:
			t.Fatal("no frame received")
		}
	}
}

func TestBrokerPreservesCommitOrder(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "commhistd.sock")
	logger := zap.NewNop()

	writerBus := bus.New()
	broker, err := NewBroker(socket, writerBus, logger)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	go func() { _ = broker.Start() }()
	defer broker.Stop()

	readerBus := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewListener(socket, readerBus, logger).Run(ctx) }()

	received, unsub := readerBus.Subscribe("", 64)
	defer unsub()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	// A delete commit publishes its event frame before its group frame;
	// the pair must cross the socket in that order.
	var seq uint64
	for {
		select {
		case evt := <-received:
			if evt.Kind != bus.EventsDeleted {
				continue
			}
			next := <-received
			if next.Kind != bus.GroupsDeleted {
				t.Fatalf("frame after %q = %q, want %q", evt.Kind, next.Kind, bus.GroupsDeleted)
			}
			if next.Seq != evt.Seq {
				t.Fatalf("pair seqs = %d, %d, want equal", evt.Seq, next.Seq)
			}
			return
		case <-ticker.C:
			seq++
			writerBus.Publish(bus.Event{Kind: bus.EventsDeleted, Seq: seq, Timestamp: time.Now(), Payload: []int64{9}})
			writerBus.Publish(bus.Event{Kind: bus.GroupsDeleted, Seq: seq, Timestamp: time.Now(), Payload: []int64{3}})
		case <-deadline:
			t.Fatal("no frame received")
		}
	}
}

func TestBrokerSkipsContactNamespace(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "commhistd.sock")
	logger := zap.NewNop()

	writerBus := bus.New()
	broker, err := NewBroker(socket, writerBus, logger)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	go func() { _ = broker.Start() }()
	defer broker.Stop()

	readerBus := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewListener(socket, readerBus, logger).Run(ctx) }()

	received, unsub := readerBus.Subscribe("", 16)
	defer unsub()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case evt := <-received:
			// Group frames cross the socket, contact frames must not.
			if evt.Kind != bus.GroupsDeleted {
				t.Fatalf("kind = %q, want %q", evt.Kind, bus.GroupsDeleted)
			}
			return
		case <-ticker.C:
			writerBus.Publish(bus.Event{Kind: bus.ContactsChanged, Payload: []int64{1}})
			writerBus.Publish(bus.Event{Kind: bus.GroupsDeleted, Payload: []int64{2}})
		case <-deadline:
			t.Fatal("no frame received")
		}
	}
}
