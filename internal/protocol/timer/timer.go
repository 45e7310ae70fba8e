// Package timer is a protocol that fires an attribute write on a cron
// schedule.
package timer

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

// Name is the protocol kind.
const Name = "timer"

// Agent config keys.
const (
	ConfigCron   = "cronExpression"
	ConfigAction = "action"
	ConfigActive = "active"
)

// Values of the timerValue meta item.
const (
	ValueActive = "active"
	ValueCron   = "cronExpression"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseExpression parses a cron expression with an optional seconds field.
func ParseExpression(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Action is the write performed on every tick.
type Action struct {
	Ref   model.AttributeRef `json:"ref"`
	Value any                `json:"value"`
}

// Protocol is the timer protocol instance for one agent.
type Protocol struct {
	protocol.Base

	expr   string
	sched  cron.Schedule
	action Action
	active bool
	next   time.Time
	handle scheduler.Handle
	links  map[model.AttributeRef]string

	now func() time.Time
}

// New creates a timer protocol.
func New(agent *model.Agent) (protocol.Protocol, error) {
	return &Protocol{links: make(map[model.AttributeRef]string), now: time.Now}, nil
}

func (p *Protocol) Name() string { return Name }

// Next returns the next scheduled tick, zero when not armed.
func (p *Protocol) Next() time.Time {
	if p.handle == nil {
		return time.Time{}
	}
	return p.next
}

func (p *Protocol) Start(s *protocol.Scope) error {
	agent := s.Agent()
	p.expr = agent.ConfigString(ConfigCron, "")
	sched, err := ParseExpression(p.expr)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
	}
	p.sched = sched

	if _, ok := agent.Config[ConfigAction]; !ok {
		return fmt.Errorf("%w: timer action missing", protocol.ErrConfiguration)
	}
	if err := agent.ConfigDecode(ConfigAction, &p.action); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
	}
	if p.action.Ref.EntityID == "" || p.action.Ref.Name == "" {
		return fmt.Errorf("%w: timer action has no target attribute", protocol.ErrConfiguration)
	}
	p.active = agent.ConfigBool(ConfigActive, true)
	return nil
}

func (p *Protocol) Stop(s *protocol.Scope) error {
	p.disarm()
	clear(p.links)
	return nil
}

func (p *Protocol) Connect(s *protocol.Scope) error {
	if p.active {
		p.arm(s)
	}
	s.SetStatus(status.Connected)
	return nil
}

func (p *Protocol) Disconnect(s *protocol.Scope) error {
	p.disarm()
	return nil
}

func (p *Protocol) arm(s *protocol.Scope) {
	p.disarm()
	now := p.now()
	p.next = p.sched.Next(now)
	if p.next.IsZero() {
		s.Logger().Warn("cron expression never fires", "expression", p.expr)
		return
	}
	p.handle = s.Schedule(p.fire, p.next.Sub(now))
	s.Logger().Debug("timer armed", "next", p.next)
}

func (p *Protocol) disarm() {
	if p.handle != nil {
		p.handle.Cancel()
		p.handle = nil
	}
}

func (p *Protocol) fire(s *protocol.Scope) {
	p.handle = nil
	s.Logger().Debug("timer fired", "target", p.action.Ref)
	s.SendAttributeEvent(model.NewEvent(p.action.Ref, model.CloneValue(p.action.Value), model.SourceProtocol))
	if p.active {
		p.arm(s)
	}
}

// LinkAttribute accepts attributes whose timerValue meta is "active" or
// "cronExpression" and pushes the current value into them.
func (p *Protocol) LinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	kind := attr.MetaString(model.MetaTimerValue)
	switch kind {
	case ValueActive, ValueCron:
	default:
		return fmt.Errorf("unsupported timerValue %q", kind)
	}
	ref := model.AttributeRef{EntityID: asset.ID, Name: attr.Name}
	p.links[ref] = kind
	s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: p.value(kind)}, time.Time{})
	return nil
}

func (p *Protocol) UnlinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	delete(p.links, model.AttributeRef{EntityID: asset.ID, Name: attr.Name})
	return nil
}

func (p *Protocol) value(kind string) any {
	if kind == ValueActive {
		return p.active
	}
	return p.expr
}

// WriteAttribute pauses or resumes the timer, or replaces its schedule.
// Both changes are persisted to the agent.
func (p *Protocol) WriteAttribute(s *protocol.Scope, attr *model.Attribute, ev model.AttributeEvent, value any) error {
	kind := p.links[ev.Ref()]
	switch kind {
	case ValueActive:
		active, ok := value.(bool)
		if !ok {
			return fmt.Errorf("timer active must be boolean, got %T", value)
		}
		if err := s.UpdateAgentConfiguration(func(a *model.Agent) { setConfig(a, ConfigActive, active) }); err != nil {
			return err
		}
		p.active = active
		if active && s.Status() == status.Connected {
			p.arm(s)
		} else if !active {
			p.disarm()
		}

	case ValueCron:
		expr := model.ValueString(value)
		sched, err := ParseExpression(expr)
		if err != nil {
			return err
		}
		if err := s.UpdateAgentConfiguration(func(a *model.Agent) { setConfig(a, ConfigCron, expr) }); err != nil {
			return err
		}
		p.expr, p.sched = expr, sched
		if p.active && s.Status() == status.Connected {
			p.arm(s)
		}

	default:
		return fmt.Errorf("attribute %s is not a timer value", ev.Ref())
	}

	for ref, k := range p.links {
		if k == kind {
			s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: p.value(kind)}, time.Time{})
		}
	}
	return nil
}

func setConfig(a *model.Agent, key string, v any) {
	if a.Config == nil {
		a.Config = make(map[string]any)
	}
	a.Config[key] = v
}
