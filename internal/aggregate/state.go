package aggregate

import (
	"fmt"
	"slices"
	"sync"
)

// State of a loaded view. Only Ready views apply incremental deltas
// directly; a reload requested mid-populate is queued, never interleaved.
type State string

const (
	Empty      State = "EMPTY"
	Populating State = "POPULATING"
	Ready      State = "READY"
)

var validTransitions = map[State][]State{
	Empty:      {Populating},
	Populating: {Ready, Empty},
	Ready:      {Populating, Empty},
}

// Machine tracks a view's population state and queues reloads that arrive
// while a populate is in flight.
type Machine struct {
	mu            sync.Mutex
	current       State
	reloadPending bool
}

// NewMachine starts in Empty.
func NewMachine() *Machine {
	return &Machine{current: Empty}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to a new state, failing on transitions the lifecycle does
// not allow.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid view transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}

// RequestReload asks for a (re)populate. If one is already running the
// request is queued and the method reports false; the runner picks it up via
// TakePendingReload when the current populate finishes.
func (m *Machine) RequestReload() (startNow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Populating {
		m.reloadPending = true
		return false
	}
	m.current = Populating
	return true
}

// FinishPopulate marks the populate done and reports whether a queued reload
// should start immediately.
func (m *Machine) FinishPopulate() (reloadQueued bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reloadPending {
		m.reloadPending = false
		return true
	}
	m.current = Ready
	return false
}
