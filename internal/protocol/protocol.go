// Package protocol is the adapter framework every concrete protocol is
// built on: lifecycle ordering, per-adapter serialization, the attribute
// link registry and the conversion pipeline wiring.
package protocol

import (
	"errors"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/scheduler"
)

var (
	// ErrConfiguration marks errors caused by bad or missing agent
	// settings. Wrapped errors set the ERROR_CONFIGURATION status.
	ErrConfiguration = errors.New("protocol: invalid configuration")
	// ErrNotConnected is returned by writes while the device link is down.
	ErrNotConnected = errors.New("protocol: not connected")
	// ErrNotStarted is returned when an adapter is used before Start.
	ErrNotStarted = errors.New("protocol: adapter not started")
)

// Protocol is the hook set implemented by each protocol family. The
// adapter invokes every hook with its lock held; hooks may mutate their
// own state without further synchronization.
type Protocol interface {
	// Name is the protocol kind, e.g. "tcp".
	Name() string
	Start(s *Scope) error
	Stop(s *Scope) error
	Connect(s *Scope) error
	Disconnect(s *Scope) error
	LinkAttribute(s *Scope, asset *model.Asset, attr *model.Attribute) error
	UnlinkAttribute(s *Scope, asset *model.Asset, attr *model.Attribute) error
	// WriteAttribute sends value, the outbound-processed form of ev, to
	// the device serving attr.
	WriteAttribute(s *Scope, attr *model.Attribute, ev model.AttributeEvent, value any) error
}

// Factory creates a protocol instance for an agent.
type Factory func(agent *model.Agent) (Protocol, error)

// AssetService is the asset store as seen by adapters.
type AssetService interface {
	// SendAttributeEvent submits a write request into the processing chain.
	SendAttributeEvent(ev model.AttributeEvent)
	// UpdateAgent persists a modified agent configuration without
	// restarting its adapter.
	UpdateAgent(agent *model.Agent) error
	convert.FilterApplier
}

// EventTransport carries actuator (write request) and sensor (device
// update) events.
type EventTransport interface {
	PublishSensor(ev model.AttributeEvent)
	// SubscribeActuator delivers write requests targeted at the named
	// adapter. It returns an unsubscribe function.
	SubscribeActuator(adapter string, fn func(model.AttributeEvent)) func()
}

// LiveTable records connected adapters keyed by agent ID.
type LiveTable interface {
	Put(agentID string, a *Adapter)
	Remove(agentID string, a *Adapter)
}

// Services are the collaborators wired into an adapter on Start.
type Services struct {
	Executor scheduler.Executor
	Assets   AssetService
	Events   EventTransport
	Live     LiveTable
}

// Base provides no-op hooks for protocols that only need some of them.
type Base struct{}

func (Base) Start(*Scope) error { return nil }
func (Base) Stop(*Scope) error { return nil }
func (Base) Connect(*Scope) error { return nil }
func (Base) Disconnect(*Scope) error { return nil }
func (Base) LinkAttribute(*Scope, *model.Asset, *model.Attribute) error { return nil }
func (Base) UnlinkAttribute(*Scope, *model.Asset, *model.Attribute) error { return nil }
