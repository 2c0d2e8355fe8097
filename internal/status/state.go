package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/knotchat/knot/internal/bus"
)

// State represents a connectivity state.
type State string

const (
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	Degraded   State = "DEGRADED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline:    {Connecting},
	Connecting: {Online, Degraded, Offline},
	Online:     {Degraded, Offline},
	Degraded:   {Online, Connecting, Offline},
}

// Machine tracks and enforces connectivity state transitions. A transition
// into Online publishes conn.online, which the outbox dispatcher treats as a
// connectivity-regained signal and drains the queue immediately.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting Offline.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the machine considers the network usable.
func (m *Machine) Online() bool {
	s := m.Current()
	return s == Online || s == Degraded
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindConnChanged, StatusChange{From: from, To: to}))
		switch to {
		case Online:
			m.bus.Publish(bus.NewEvent(bus.KindConnOnline, nil))
		case Offline:
			m.bus.Publish(bus.NewEvent(bus.KindConnOffline, nil))
		}
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
