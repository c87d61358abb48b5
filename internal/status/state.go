// Package status tracks connectivity to the remote store.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/worldchat/internal/bus"
)

// State represents the connectivity state of the sync daemon.
type State string

const (
	Booting    State = "BOOTING"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	// Offline means the remote is unreachable. Sends keep working and queue.
	Offline State = "OFFLINE"
	// Degraded means connected but publishes keep failing transiently.
	Degraded State = "DEGRADED"
	Stopped  State = "STOPPED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Connecting, Stopped},
	Connecting: {Online, Offline, Stopped},
	Online:     {Offline, Degraded, Stopped},
	Offline:    {Connecting, Online, Stopped},
	Degraded:   {Online, Offline, Stopped},
	Stopped:    {},
}

// Machine tracks and enforces connectivity transitions. Entering Online
// publishes sync.connected, which triggers a forced outbox drain; leaving it
// for Offline publishes sync.disconnected.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	lastErr string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
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

// Snapshot returns the state, when it was entered and the last recorded error.
func (m *Machine) Snapshot() (State, time.Time, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.since, m.lastErr
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, nil)
}

func (m *Machine) transitionLocked(to State, cause error) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if cause != nil {
		m.lastErr = cause.Error()
	} else if to == Online {
		m.lastErr = ""
	}

	m.bus.Emit(bus.StatusChanged, StatusChange{From: from, To: to})
	switch {
	case to == Online && from != Degraded:
		m.bus.Emit(bus.SyncConnected, from)
	case to == Offline && (from == Online || from == Degraded):
		m.bus.Emit(bus.SyncDisconnected, m.lastErr)
	}
	return nil
}

// Observe folds a connection report into the machine. Repeated reports of the
// same condition are ignored.
func (m *Machine) Observe(connected bool, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Stopped {
		return
	}
	if connected {
		if m.current == Booting {
			_ = m.transitionLocked(Connecting, nil)
		}
		if m.current != Online {
			_ = m.transitionLocked(Online, nil)
		}
		return
	}
	switch m.current {
	case Booting:
		_ = m.transitionLocked(Connecting, nil)
		_ = m.transitionLocked(Offline, cause)
	case Connecting, Online, Degraded:
		_ = m.transitionLocked(Offline, cause)
	case Offline:
		if cause != nil {
			m.lastErr = cause.Error()
		}
	}
}

// ObserveDelivery folds an outbox drain outcome into the machine: publishes
// that only fail while connected mean Degraded, any success restores Online.
func (m *Machine) ObserveDelivery(published, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.current == Online && published == 0 && failed > 0:
		_ = m.transitionLocked(Degraded, nil)
	case m.current == Degraded && published > 0:
		_ = m.transitionLocked(Online, nil)
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
