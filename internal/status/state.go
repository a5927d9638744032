package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the sync status surfaced to observers.
type State string

const (
	Idle    State = "idle"
	Offline State = "offline"
	Pending State = "pending"
	Syncing State = "syncing"
	Synced  State = "synced"
	Error   State = "error"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:    {Pending, Syncing, Offline},
	Offline: {Pending, Idle, Syncing},
	Pending: {Syncing, Offline},
	Syncing: {Synced, Pending, Error, Offline},
	Synced:  {Pending, Syncing, Offline, Idle},
	Error:   {Pending, Syncing, Offline, Idle},
}

// Machine tracks and enforces sync status transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Moving to the current state is a no-op.
// Returns an error if the transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
