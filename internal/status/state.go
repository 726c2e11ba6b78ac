package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
)

// State is the lifecycle state of a realtime channel connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Degraded     State = "DEGRADED"
	// Disabled is terminal: the error ceiling was reached and the connection
	// is abandoned for the life of its manager.
	Disabled State = "DISABLED"
)

func (s State) String() string { return string(s) }

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Disabled},
	Connecting:   {Connected, Degraded, Disconnected, Disabled},
	Connected:    {Degraded, Disconnected},
	Degraded:     {Connecting, Disconnected, Disabled},
	Disabled:     {},
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	bus       *bus.Bus
	observers []func(from, to State)
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Observe registers fn to be called synchronously after every accepted
// transition, outside the machine's lock.
func (m *Machine) Observe(fn func(from, to State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	observers := m.observers
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindChannelState,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From:   from,
			To:     to,
			Reason: reason,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
