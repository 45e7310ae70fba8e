package agent

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
)

// ErrUnknownProtocol is returned for agents whose protocol has no
// registered factory.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Factories maps protocol names to the factories that build them.
type Factories struct {
	mu sync.RWMutex
	m  map[string]protocol.Factory
}

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]protocol.Factory)}
}

// Register adds a factory. Registering a name twice replaces the factory.
func (f *Factories) Register(name string, factory protocol.Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[name] = factory
}

// Names returns the registered protocol names, sorted.
func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Known reports whether name has a registered factory.
func (f *Factories) Known(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.m[name]
	return ok
}

// Create builds the protocol instance for agent.
func (f *Factories) Create(agent *model.Agent) (protocol.Protocol, error) {
	f.mu.RLock()
	factory, ok := f.m[agent.Protocol]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: %w %q", agent.ID, ErrUnknownProtocol, agent.Protocol)
	}
	p, err := factory(agent)
	if err != nil {
		return nil, fmt.Errorf("agent %s: create %s protocol: %w", agent.ID, agent.Protocol, err)
	}
	return p, nil
}
