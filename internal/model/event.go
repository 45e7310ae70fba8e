package model

import (
	"strings"
	"time"
)

// Source tags where an attribute event originated. Protocol-sourced events
// are never fed back into the adapter that produced them.
type Source string

const (
	SourceProtocol Source = "protocol"
	SourceUser     Source = "user"
	SourceRules    Source = "rules"
	SourceMacro    Source = "macro"
)

// AttributeState is a value for one attribute reference.
type AttributeState struct {
	Ref   AttributeRef `json:"ref"`
	Value any          `json:"value"`
}

// AttributeEvent is a timestamped request to change, or report, an attribute value.
type AttributeEvent struct {
	State     AttributeState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Source    Source         `json:"source"`
	// Origin is the adapter name for protocol-sourced events.
	Origin string `json:"origin,omitempty"`
}

// Ref is shorthand for ev.State.Ref.
func (ev AttributeEvent) Ref() AttributeRef { return ev.State.Ref }

// Value is shorthand for ev.State.Value.
func (ev AttributeEvent) Value() any { return ev.State.Value }

// NewEvent builds an event stamped with the current time.
func NewEvent(ref AttributeRef, value any, source Source) AttributeEvent {
	return AttributeEvent{
		State:     AttributeState{Ref: ref, Value: value},
		Timestamp: time.Now(),
		Source:    source,
	}
}

// ExecuteStatus is the value type of executable attributes.
type ExecuteStatus string

const (
	ExecRequestStart     ExecuteStatus = "REQUEST_START"
	ExecRequestRepeating ExecuteStatus = "REQUEST_REPEATING"
	ExecRequestCancel    ExecuteStatus = "REQUEST_CANCEL"
	ExecReady            ExecuteStatus = "READY"
	ExecCompleted        ExecuteStatus = "COMPLETED"
	ExecRunning          ExecuteStatus = "RUNNING"
	ExecCancelled        ExecuteStatus = "CANCELLED"
	ExecError            ExecuteStatus = "ERROR"
	ExecDisabled         ExecuteStatus = "DISABLED"
)

// ParseExecuteStatus extracts an execute status from an attribute value.
func ParseExecuteStatus(v any) (ExecuteStatus, bool) {
	s, ok := v.(string)
	if !ok {
		if es, ok := v.(ExecuteStatus); ok {
			return es, true
		}
		return "", false
	}
	switch es := ExecuteStatus(strings.ToUpper(s)); es {
	case ExecRequestStart, ExecRequestRepeating, ExecRequestCancel, ExecReady,
		ExecCompleted, ExecRunning, ExecCancelled, ExecError, ExecDisabled:
		return es, true
	}
	return "", false
}
