// Package ipc carries committed change-bus deltas between processes over the
// daemon's Unix domain socket. The writer process hosts a Broker; reader
// processes run a Listener that republishes received frames on their local
// bus, so views behave identically whether the write happened in-process or
// not.
package ipc

import (
	"encoding/gob"

	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/store"
)

// Frame is one bus event on the wire. Frames on a connection arrive in
// publish order.
type Frame struct {
	Kind              string
	Seq               uint64
	TimestampUnixNano int64
	Payload           any
}

func init() {
	gob.Register([]store.Event{})
	gob.Register([]store.Group{})
	gob.Register([]bus.EventUpdate{})
	gob.Register([]int64{})
}
