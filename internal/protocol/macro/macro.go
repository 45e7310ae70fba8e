// Package macro is a protocol that plays a list of delayed attribute
// writes when an executable attribute is triggered.
package macro

import (
	"fmt"
	"time"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

// Name is the protocol kind.
const Name = "macro"

// Agent config keys.
const (
	ConfigActions = "actions"
	ConfigActive  = "active"
)

// Action is one macro step: write Value to Ref, DelayMillis after the
// previous step.
type Action struct {
	Ref         model.AttributeRef `json:"ref"`
	Value       any                `json:"value"`
	DelayMillis int                `json:"delayMillis"`
}

// Protocol is the macro protocol instance for one agent.
type Protocol struct {
	protocol.Base

	actions  []Action
	active   *scheduler.Table[model.AttributeRef, *scheduler.Sequence[model.AttributeRef, Action]]
	stopping bool
}

// New creates a macro protocol.
func New(agent *model.Agent) (protocol.Protocol, error) {
	return &Protocol{
		active: scheduler.NewTable[model.AttributeRef, *scheduler.Sequence[model.AttributeRef, Action]](),
	}, nil
}

func (p *Protocol) Name() string { return Name }

// Actions returns the configured actions.
func (p *Protocol) Actions() []Action { return p.actions }

// Running reports whether a sequence is active for ref.
func (p *Protocol) Running(ref model.AttributeRef) bool {
	_, ok := p.active.Load(ref)
	return ok
}

func (p *Protocol) Start(s *protocol.Scope) error {
	actions, err := parseActions(s.Agent())
	if err != nil {
		return err
	}
	p.actions = actions
	p.stopping = false
	return nil
}

func parseActions(agent *model.Agent) ([]Action, error) {
	if _, ok := agent.Config[ConfigActions]; !ok {
		return nil, fmt.Errorf("%w: macro actions missing", protocol.ErrConfiguration)
	}
	var actions []Action
	if err := agent.ConfigDecode(ConfigActions, &actions); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
	}
	for i, a := range actions {
		if a.Ref.EntityID == "" || a.Ref.Name == "" {
			return nil, fmt.Errorf("%w: action %d has no target attribute", protocol.ErrConfiguration, i)
		}
	}
	return actions, nil
}

func (p *Protocol) Stop(s *protocol.Scope) error {
	p.stopping = true
	p.active.Range(func(_ model.AttributeRef, seq *scheduler.Sequence[model.AttributeRef, Action]) bool {
		seq.Cancel()
		return true
	})
	return nil
}

func (p *Protocol) Connect(s *protocol.Scope) error {
	s.SetStatus(status.Connected)
	return nil
}

// LinkAttribute reports READY (or DISABLED for an inactive macro) on
// executable attributes. Other attributes receive the value of the action
// selected by macroActionIndex.
func (p *Protocol) LinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	ref := model.AttributeRef{EntityID: asset.ID, Name: attr.Name}

	if attr.IsExecutable() {
		st := model.ExecReady
		if !s.Agent().ConfigBool(ConfigActive, true) {
			st = model.ExecDisabled
		}
		s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: st}, time.Time{})
		return nil
	}

	idx, ok := p.actionIndex(attr)
	var value any
	if ok {
		value = p.actions[idx].Value
	} else {
		s.Logger().Debug("no macro actions available for linked attribute", "attribute", ref)
	}
	s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: value}, time.Time{})
	return nil
}

// UnlinkAttribute cancels a sequence started from the attribute.
func (p *Protocol) UnlinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	if attr.IsExecutable() {
		scheduler.CancelActive(p.active, model.AttributeRef{EntityID: asset.ID, Name: attr.Name})
	}
	return nil
}

func (p *Protocol) WriteAttribute(s *protocol.Scope, attr *model.Attribute, ev model.AttributeEvent, value any) error {
	ref := ev.Ref()

	if attr.IsExecutable() {
		req, _ := model.ParseExecuteStatus(ev.Value())
		switch req {
		case model.ExecRequestCancel:
			s.Logger().Debug("macro cancel requested", "attribute", ref)
			scheduler.CancelActive(p.active, ref)
			return nil
		case model.ExecRequestStart, model.ExecRequestRepeating:
		default:
			s.Logger().Warn("unsupported macro request", "attribute", ref, "value", ev.Value())
			return nil
		}
		if !s.Agent().ConfigBool(ConfigActive, true) {
			s.Logger().Info("macro inactive, not executing", "attribute", ref)
			return nil
		}
		if len(p.actions) == 0 {
			s.Logger().Debug("no macro actions to execute", "attribute", ref)
			return nil
		}
		p.execute(s, ref, req == model.ExecRequestRepeating)
		return nil
	}

	idx, ok := p.actionIndex(attr)
	if !ok {
		s.Logger().Debug("no macro actions available for write", "attribute", ref)
		return nil
	}
	next := ev.Value()
	err := s.UpdateAgentConfiguration(func(agent *model.Agent) {
		actions := make([]Action, len(p.actions))
		copy(actions, p.actions)
		actions[idx].Value = next
		agent.Config[ConfigActions] = actionsConfig(actions)
	})
	if err != nil {
		return err
	}
	p.actions[idx].Value = next
	s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: next}, time.Time{})
	return nil
}

// execute starts a sequence over the actions, replacing any sequence
// already running for ref. Steps and status reports run with the adapter
// lock held because the sequence is driven by the scope executor.
func (p *Protocol) execute(s *protocol.Scope, ref model.AttributeRef, repeat bool) {
	steps := make([]scheduler.Step[Action], len(p.actions))
	for i, a := range p.actions {
		steps[i] = scheduler.Step[Action]{Value: a, Delay: time.Duration(max(a.DelayMillis, 0)) * time.Millisecond}
	}

	seq := scheduler.NewSequence(scheduler.SequenceConfig[model.AttributeRef, Action]{
		Key:      ref,
		Steps:    steps,
		Repeat:   repeat,
		Executor: s.Executor(),
		Active:   p.active,
		Apply: func(_ model.AttributeRef, a Action) {
			s.SendAttributeEvent(model.NewEvent(a.Ref, model.CloneValue(a.Value), model.SourceMacro))
		},
		Report: func(key model.AttributeRef, st scheduler.State) {
			if p.stopping {
				return
			}
			s.UpdateLinkedAttribute(model.AttributeState{Ref: key, Value: execStatus(st)}, time.Time{})
		},
	})
	seq.Start()
}

func execStatus(st scheduler.State) model.ExecuteStatus {
	switch st {
	case scheduler.StateRunning:
		return model.ExecRunning
	case scheduler.StateCompleted:
		return model.ExecCompleted
	default:
		return model.ExecCancelled
	}
}

// actionIndex returns the clamped macroActionIndex of attr, default 0.
func (p *Protocol) actionIndex(attr *model.Attribute) (int, bool) {
	if len(p.actions) == 0 {
		return 0, false
	}
	idx := 0
	if raw, ok := attr.MetaValue(model.MetaMacroActionIndex); ok {
		if f, ok := model.ToFloat(raw); ok {
			idx = int(f)
		}
	}
	return min(max(idx, 0), len(p.actions)-1), true
}

func actionsConfig(actions []Action) []any {
	out := make([]any, len(actions))
	for i, a := range actions {
		out[i] = map[string]any{
			"ref":         map[string]any{"entityId": a.Ref.EntityID, "name": a.Ref.Name},
			"value":       model.CloneValue(a.Value),
			"delayMillis": a.DelayMillis,
		}
	}
	return out
}
