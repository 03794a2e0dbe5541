package ipc

import (
	"context"
	"encoding/gob"
	"errors"
	"io"
	"net"
	"time"

	"github.com/tretyn/commhist/internal/bus"
	"go.uber.org/zap"
)

// redialInterval paces reconnect attempts while the writer daemon is away.
const redialInterval = time.Second

// Listener connects to the writer daemon's socket and republishes received
// frames on the local bus.
type Listener struct {
	bus        *bus.Bus
	logger     *zap.Logger
	socketPath string
}

// NewListener creates a listener for the given daemon socket.
func NewListener(socketPath string, b *bus.Bus, logger *zap.Logger) *Listener {
	return &Listener{bus: b, logger: logger, socketPath: socketPath}
}

// Run receives frames until ctx is cancelled, redialling when the daemon
// restarts. Blocks.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.receive(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.logger.Debug("daemon connection lost", zap.Error(err))
		}
		select {
		case <-time.After(redialInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) receive(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", l.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	l.logger.Info("connected to writer daemon", zap.String("socket", l.socketPath))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	dec := gob.NewDecoder(conn)
	for {
		var frame Frame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		l.bus.Publish(bus.Event{
			Kind:      frame.Kind,
			Seq:       frame.Seq,
			Timestamp: time.Unix(0, frame.TimestampUnixNano),
			Payload:   frame.Payload,
		})
	}
}
