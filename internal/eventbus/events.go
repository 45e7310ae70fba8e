// Package eventbus carries gateway events: a synchronous broadcast bus
// for northbound consumers and an asynchronous transport for the actuator
// and sensor channels between adapters and the agent coordinator.
package eventbus

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventAttributeUpdate = "attribute_update"
	EventAgentStatus     = "agent_status"
	EventAgentChanged    = "agent_changed"
	EventAssetChanged    = "asset_changed"
)

// Change actions carried by EventAgentChanged and EventAssetChanged.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Event is a gateway event. Data is a model.AttributeEvent for attribute
// updates, an AgentStatus for status changes and a Change otherwise.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// AgentStatus reports a connection status change of one agent.
type AgentStatus struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// Change reports that an agent or asset was created, updated or deleted.
type Change struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Bus provides pub/sub for gateway events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]EventHandler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
