package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

// Scope is the view of an adapter handed to hooks and callbacks. It is
// only valid while the adapter lock is held, i.e. inside the hook or
// callback it was passed to.
type Scope struct {
	a *Adapter
}

// Agent returns the adapter's agent. Hooks must not modify it; use
// UpdateAgentConfiguration instead.
func (s *Scope) Agent() *model.Agent { return s.a.agent }

func (s *Scope) Logger() *slog.Logger { return s.a.logger }

// Context is cancelled when the adapter stops.
func (s *Scope) Context() context.Context { return s.a.ctx }

// Name returns the adapter's logical name.
func (s *Scope) Name() string { return s.a.name }

func (s *Scope) Status() status.Status { return s.a.status.Current() }

// SetStatus changes the connection status. DISABLED is owned by the
// framework: it cannot be set here and, once set, is not replaced.
func (s *Scope) SetStatus(st status.Status) {
	if st == status.Disabled || s.a.status.Current() == status.Disabled {
		return
	}
	s.a.status.Set(st)
}

// Link returns the registry entry for ref.
func (s *Scope) Link(ref model.AttributeRef) (*Link, bool) {
	return s.a.registry.Get(ref)
}

// Links calls fn for every linked attribute.
func (s *Scope) Links(fn func(ref model.AttributeRef, link *Link)) {
	s.a.registry.Each(fn)
}

// SetLinkPayload stores protocol data on a link entry.
func (s *Scope) SetLinkPayload(ref model.AttributeRef, payload any) bool {
	l, ok := s.a.registry.Get(ref)
	if !ok {
		return false
	}
	l.Payload = payload
	return true
}

// UpdateLinkedAttribute runs the inbound pipeline on a raw device value
// and publishes the result as a sensor update. It reports whether an
// update was published.
func (s *Scope) UpdateLinkedAttribute(state model.AttributeState, ts time.Time) bool {
	link, ok := s.a.registry.Get(state.Ref)
	if !ok {
		s.a.logger.Warn("update for attribute that is not linked", "attribute", state.Ref)
		return false
	}

	var applier convert.FilterApplier
	if s.a.svc.Assets != nil {
		applier = s.a.svc.Assets
	}
	res := convert.Inbound(link.Attribute, state.Value, applier)
	if res.Ignore {
		if res.Err != nil {
			s.a.logger.Warn("inbound value dropped", "attribute", state.Ref, "err", res.Err)
		}
		return false
	}

	if ts.IsZero() {
		ts = time.Now()
	}
	ev := model.AttributeEvent{
		State:     model.AttributeState{Ref: state.Ref, Value: res.Value},
		Timestamp: ts,
		Source:    model.SourceProtocol,
		Origin:    s.a.name,
	}
	if s.a.svc.Events == nil {
		return false
	}
	s.a.svc.Events.PublishSensor(ev)
	return true
}

// SendAttributeEvent submits a write request for an attribute this
// adapter does not serve. Requests targeting its own links are rejected
// so an adapter cannot loop writes back to itself.
func (s *Scope) SendAttributeEvent(ev model.AttributeEvent) bool {
	if s.a.registry.Contains(ev.Ref()) {
		s.a.logger.Warn("attribute event for own linked attribute rejected", "attribute", ev.Ref())
		return false
	}
	if s.a.svc.Assets == nil {
		return false
	}
	s.a.svc.Assets.SendAttributeEvent(ev)
	return true
}

// UpdateAgentConfiguration applies fn to a copy of the agent and persists
// it. The adapter is not restarted.
func (s *Scope) UpdateAgentConfiguration(fn func(agent *model.Agent)) error {
	if s.a.svc.Assets == nil {
		return errors.New("no asset service")
	}
	next := s.a.agent.Clone()
	fn(next)
	if err := s.a.svc.Assets.UpdateAgent(next); err != nil {
		return fmt.Errorf("update agent %s: %w", next.ID, err)
	}
	s.a.agent = next
	return nil
}

// Schedule runs fn with the adapter lock held after delay. It is dropped
// if the adapter stops first.
func (s *Scope) Schedule(fn func(s *Scope), delay time.Duration) scheduler.Handle {
	return s.a.schedule(fn, delay)
}

// Submit runs fn with the adapter lock held as soon as possible.
func (s *Scope) Submit(fn func(s *Scope)) scheduler.Handle {
	return s.a.schedule(fn, 0)
}

// Callback returns a function other goroutines use to run fn with the
// adapter lock held. Calls made after the adapter stops or restarts are
// dropped and report false.
func (s *Scope) Callback() func(fn func(s *Scope)) bool {
	a := s.a
	gen := a.gen
	return func(fn func(s *Scope)) bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.started || a.gen != gen {
			return false
		}
		a.run(fn)
		return true
	}
}

// Executor returns an Executor whose functions run with the adapter lock
// held and are dropped when the adapter stops. It must only be used while
// the lock is held, which is the case for code running inside hooks and
// for functions it runs itself.
func (s *Scope) Executor() scheduler.Executor {
	return lockedExecutor{a: s.a}
}

type lockedExecutor struct {
	a *Adapter
}

func (e lockedExecutor) Schedule(fn func(), delay time.Duration) scheduler.Handle {
	return e.a.schedule(func(*Scope) { fn() }, delay)
}

func (e lockedExecutor) Submit(fn func()) scheduler.Handle {
	return e.Schedule(fn, 0)
}
