// Package status implements the connection status state machine shared by
// adapters and their sub-connections.
package status

import (
	"log/slog"
	"sync"
)

// Status is the connection state of an adapter or sub-connection.
type Status string

const (
	Disconnected       Status = "DISCONNECTED"
	Connecting         Status = "CONNECTING"
	Waiting            Status = "WAITING"
	Connected          Status = "CONNECTED"
	Disconnecting      Status = "DISCONNECTING"
	Error              Status = "ERROR"
	ErrorConfiguration Status = "ERROR_CONFIGURATION"
	Disabled           Status = "DISABLED"
)

// Listener is notified of every status change. Implementations must be
// comparable (pointer receivers); AddListener deduplicates by identity.
type Listener interface {
	StatusChanged(s Status)
}

type funcListener struct {
	fn func(Status)
}

func (l *funcListener) StatusChanged(s Status) { l.fn(s) }

// Machine holds the current status and a list of listeners notified
// synchronously, in registration order, on every Set.
type Machine struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	current   Status
	listeners []Listener

	// notifyMu serializes listener delivery so notifications arrive in
	// transition order.
	notifyMu sync.Mutex
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(name string, logger *slog.Logger) *Machine {
	return &Machine{
		name:    name,
		logger:  logger,
		current: Disconnected,
	}
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set updates the status, then invokes every listener with it. A panicking
// listener is recovered and logged; later listeners still run.
func (m *Machine) Set(s Status) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.current
	m.current = s
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if prev != s {
		m.logger.Debug("connection status", "name", m.name, "from", prev, "to", s)
	}

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("status listener panic", "name", m.name, "status", s, "panic", r)
				}
			}()
			l.StatusChanged(s)
		}()
	}
}

// AddListener registers l. Adding the same listener twice is a no-op.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.listeners {
		if existing == l {
			return
		}
	}
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters l.
func (m *Machine) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Subscribe registers fn and returns a function that removes it.
func (m *Machine) Subscribe(fn func(Status)) func() {
	l := &funcListener{fn: fn}
	m.AddListener(l)
	return func() { m.RemoveListener(l) }
}

// Forward makes m follow the terminal states of a sub-connection: whenever
// sub reports one of states, m is set to the same value.
func (m *Machine) Forward(sub *Machine, states ...Status) func() {
	return sub.Subscribe(func(s Status) {
		for _, want := range states {
			if s == want {
				m.Set(s)
				return
			}
		}
	})
}
