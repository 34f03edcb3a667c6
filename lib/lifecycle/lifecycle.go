// Package lifecycle implements the {DISCONNECTED, CONNECTING,
// CONNECTED, DISCONNECTING} state machine shared by the config
// provider, each partition connection, and the overall client (spec
// §4.9 design notes). Inheritance from a base class is replaced by
// composition: owners embed a *Machine field and publish through it
// rather than subclassing a common lifecycle type.
package lifecycle

import "sync"

// State is one point in the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Observer is notified of every transition, including the initial one
// away from Disconnected.
type Observer func(from, to State)

// Machine is a protected state field plus an observer list. The zero
// value starts Disconnected.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []Observer
}

// New creates a Machine in the Disconnected state.
func New() *Machine {
	return &Machine{}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe registers an observer called on every future transition.
// Observers do not receive the state the Machine was in when they
// registered — only upcoming transitions.
func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Transition moves the machine to a new state and notifies observers.
// A transition to the state the machine is already in is a no-op (no
// notification fires).
func (m *Machine) Transition(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	observers := m.observers
	m.mu.Unlock()

	for _, o := range observers {
		o(from, to)
	}
}
