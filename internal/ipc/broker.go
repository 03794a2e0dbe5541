package ipc

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tretyn/commhist/internal/bus"
	"go.uber.org/zap"
)

// relayBufSize is the per-connection event backlog. A reader that falls this
// far behind loses frames; the reconciler run in that process covers the gap.
const relayBufSize = 256

// Broker accepts reader connections on the daemon socket and relays local
// change-bus events to each of them. Only persisted-state namespaces are
// relayed; contact resolution is per-process.
type Broker struct {
	bus        *bus.Bus
	logger     *zap.Logger
	socketPath string

	listener net.Listener
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

// NewBroker creates a broker bound to the session's Unix domain socket.
func NewBroker(socketPath string, b *bus.Bus, logger *zap.Logger) (*Broker, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return &Broker{
		bus:        b,
		logger:     logger,
		socketPath: socketPath,
		listener:   listener,
	}, nil
}

// Start accepts connections until Stop. Blocks.
func (br *Broker) Start() error {
	br.logger.Info("change broker listening", zap.String("socket", br.socketPath))
	for {
		conn, err := br.listener.Accept()
		if err != nil {
			br.mu.Lock()
			closed := br.closed
			br.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		br.wg.Add(1)
		go br.serve(conn)
	}
}

// Stop closes the listener, drops every connection and removes the socket.
func (br *Broker) Stop() {
	br.mu.Lock()
	br.closed = true
	br.mu.Unlock()
	_ = br.listener.Close()
	br.wg.Wait()
	_ = os.Remove(br.socketPath)
}

// serve relays bus events to one reader. Each connection holds its own bus
// subscription, so ordering is per connection and a slow reader only drops
// its own frames.
func (br *Broker) serve(conn net.Conn) {
	defer br.wg.Done()
	defer conn.Close()

	// One subscription covers every namespace so the frames of a single
	// commit (events + group summary sharing a Seq) keep their publish
	// order on the wire; non-persisted namespaces are filtered below.
	id := uuid.NewString()
	events, unsub := br.bus.Subscribe("", relayBufSize)
	defer unsub()
	br.logger.Info("reader connected", zap.String("subscriber", id))

	// Unblock the relay loop when the reader hangs up.
	hangup := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				close(hangup)
				return
			}
		}
	}()

	enc := gob.NewEncoder(conn)
	for {
		var evt bus.Event
		select {
		case evt = <-events:
		case <-hangup:
			br.logger.Info("reader disconnected", zap.String("subscriber", id))
			return
		}
		// Contact resolution is per-process; only persisted-state
		// namespaces cross the socket.
		if !strings.HasPrefix(evt.Kind, "events.") && !strings.HasPrefix(evt.Kind, "groups.") {
			continue
		}
		frame := Frame{
			Kind:              evt.Kind,
			Seq:               evt.Seq,
			TimestampUnixNano: evt.Timestamp.UnixNano(),
			Payload:           evt.Payload,
		}
		if err := enc.Encode(&frame); err != nil {
			br.logger.Warn("relay write failed, dropping reader",
				zap.String("subscriber", id), zap.Error(err))
			return
		}
	}
}
