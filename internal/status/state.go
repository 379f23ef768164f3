// Package status tracks the connection lifecycle of platform adapters.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/fedrelay/internal/bus"
)

// State represents an adapter runtime state.
type State string

const (
	Stopped      State = "STOPPED"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Stopped:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Stopped, Error},
	Connecting:   {Ready, AuthRequired, Reconnecting, Stopped, Error},
	Ready:        {Reconnecting, AuthRequired, Stopped, Error},
	Reconnecting: {Connecting, Ready, Stopped, Error},
	Error:        {Stopped, Connecting},
}

// Machine tracks and enforces one adapter's state transitions.
type Machine struct {
	mu       sync.RWMutex
	platform string
	current  State
	since    time.Time
	bus      *bus.Bus
}

// NewMachine creates a new state machine starting in Stopped state.
func NewMachine(platform string, b *bus.Bus) *Machine {
	return &Machine{
		platform: platform,
		current:  Stopped,
		since:    time.Now(),
		bus:      b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state and when it was entered.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Platform: m.platform, State: m.current, Since: m.since}
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("%s: invalid transition from %s to %s", m.platform, m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Emit(bus.KindPlatformStatus, StatusChange{
		Platform: m.platform,
		From:     from,
		To:       to,
	})
	return nil
}

// Force moves to the given state when the move is allowed and reports whether
// it happened. Adapters use it from SDK callbacks where a failed move is not an error.
func (m *Machine) Force(to State) bool {
	if m.Current() == to {
		return true
	}
	return m.Transition(to) == nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Platform string
	From     State
	To       State
}

// Snapshot is a point-in-time view of a machine.
type Snapshot struct {
	Platform string    `json:"platform"`
	State    State     `json:"state"`
	Since    time.Time `json:"since"`
}
