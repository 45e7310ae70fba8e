package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

// Adapter runs one Protocol for one agent. Every operation, and every hook
// it invokes, executes while the adapter's own lock is held; adapters never
// share a lock with each other.
type Adapter struct {
	proto    Protocol
	name     string
	agentID  string
	logger   *slog.Logger
	status   *status.Machine
	registry *Registry

	mu      sync.Mutex
	agent   *model.Agent
	svc     Services
	started bool
	failed  bool
	live    bool
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	unsub   func()

	hmu     sync.Mutex
	handles map[uint64]scheduler.Handle
	nextH   uint64
}

// NewAdapter creates an adapter for agent. The adapter keeps its own copy
// of the agent.
func NewAdapter(agent *model.Agent, proto Protocol, logger *slog.Logger) *Adapter {
	name := proto.Name() + ":" + agent.ID
	l := logger.With("component", "protocol", "protocol", proto.Name(), "agent", agent.ID)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Adapter{
		proto:    proto,
		name:     name,
		agentID:  agent.ID,
		logger:   l,
		status:   status.NewMachine(name, l),
		registry: NewRegistry(),
		agent:    agent.Clone(),
		ctx:      ctx,
		cancel:   cancel,
		handles:  make(map[uint64]scheduler.Handle),
	}
}

// Name is the adapter's logical name, used as its actuator channel key.
func (a *Adapter) Name() string { return a.name }

// AgentID returns the ID of the agent this adapter serves.
func (a *Adapter) AgentID() string { return a.agentID }

// Protocol returns the wrapped hook set.
func (a *Adapter) Protocol() Protocol { return a.proto }

// Status returns the current connection status.
func (a *Adapter) Status() status.Status { return a.status.Current() }

// StatusMachine exposes the status machine for listener registration.
func (a *Adapter) StatusMachine() *status.Machine { return a.status }

// Agent returns a copy of the adapter's current agent configuration.
func (a *Adapter) Agent() *model.Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agent.Clone()
}

// IsLinked reports whether ref is linked to this adapter.
func (a *Adapter) IsLinked(ref model.AttributeRef) bool {
	return a.registry.Contains(ref)
}

// LinkedAttributes returns the linked references.
func (a *Adapter) LinkedAttributes() []model.AttributeRef {
	return a.registry.Refs()
}

// Start wires the adapter to its collaborators and runs the Start hook.
// A hook failure marks the adapter failed; every later call except Stop is
// then ignored.
func (a *Adapter) Start(svc Services) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failed {
		return fmt.Errorf("start %s: adapter failed earlier", a.name)
	}
	if a.started {
		return nil
	}

	a.svc = svc
	a.gen++
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.call("start", func(s *Scope) error { return a.proto.Start(s) }); err != nil {
		a.failed = true
		a.gen++
		a.cancel()
		a.cancelScheduled()
		a.setErrorStatus(err)
		a.logger.Error("adapter start failed", "err", err)
		return fmt.Errorf("start %s: %w", a.name, err)
	}

	if svc.Events != nil {
		a.unsub = svc.Events.SubscribeActuator(a.name, a.ProcessLinkedAttributeWrite)
	}
	a.started = true
	a.logger.Info("adapter started")
	return nil
}

// Stop clears the link registry, cancels scheduled work and runs the Stop
// hook. It is idempotent and safe on an adapter that never started.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.registry.Clear()
	a.cancelScheduled()
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}

	if !a.started {
		return nil
	}
	a.started = false
	a.gen++

	err := a.call("stop", func(s *Scope) error { return a.proto.Stop(s) })
	a.cancel()
	if a.live && a.svc.Live != nil {
		a.svc.Live.Remove(a.agentID, a)
	}
	a.live = false
	if a.status.Current() != status.Disabled {
		a.status.Set(status.Disconnected)
	}
	if err != nil {
		a.logger.Error("adapter stop failed", "err", err)
		return fmt.Errorf("stop %s: %w", a.name, err)
	}
	a.logger.Info("adapter stopped")
	return nil
}

// Connect runs the Connect hook unless the agent is disabled, in which case
// the status becomes DISABLED and the hook is skipped. It reports whether
// attributes should be linked.
func (a *Adapter) Connect() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		a.logger.Warn("connect on adapter that is not running")
		return false
	}
	if a.agent.Disabled {
		a.status.Set(status.Disabled)
		a.logger.Info("agent disabled, not connecting")
		return false
	}

	a.status.Set(status.Connecting)
	if a.svc.Live != nil {
		a.svc.Live.Put(a.agentID, a)
	}
	a.live = true

	if err := a.call("connect", func(s *Scope) error { return a.proto.Connect(s) }); err != nil {
		a.setErrorStatus(err)
		a.logger.Error("adapter connect failed", "err", err)
		return false
	}
	return true
}

// Disconnect runs the Disconnect hook when the adapter is live and not
// disabled. The live record is always removed.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live {
		return
	}
	if a.status.Current() != status.Disabled && a.started {
		if err := a.call("disconnect", func(s *Scope) error { return a.proto.Disconnect(s) }); err != nil {
			a.logger.Warn("adapter disconnect failed", "err", err)
		}
	}
	if a.svc.Live != nil {
		a.svc.Live.Remove(a.agentID, a)
	}
	a.live = false
	if a.status.Current() != status.Disabled {
		a.status.Set(status.Disconnected)
	}
}

// LinkAttribute registers attr and runs the LinkAttribute hook. The entry
// exists before the hook runs, so updates issued by the hook are accepted;
// a failing hook rolls the entry back.
func (a *Adapter) LinkAttribute(asset *model.Asset, attr *model.Attribute) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref := model.AttributeRef{EntityID: asset.ID, Name: attr.Name}
	if a.agent.Disabled {
		a.logger.Warn("agent disabled, not linking attribute", "attribute", ref)
		return false
	}
	if !a.started {
		a.logger.Warn("link on adapter that is not running", "attribute", ref)
		return false
	}

	link := &Link{AssetID: asset.ID, Attribute: attr.Clone()}
	if !a.registry.PutIfAbsent(ref, link) {
		a.logger.Warn("attribute already linked", "attribute", ref)
		return false
	}
	if convert.HasDynamicPlaceholder(link.Attribute) {
		a.registry.MarkDynamic(ref)
	}

	err := a.call("link", func(s *Scope) error {
		return a.proto.LinkAttribute(s, asset, link.Attribute)
	})
	if err != nil {
		a.registry.RemoveIf(ref, link)
		a.logger.Warn("link attribute failed", "attribute", ref, "err", err)
		return false
	}
	a.logger.Debug("attribute linked", "attribute", ref)
	return true
}

// UnlinkAttribute removes the registry entry and then runs the
// UnlinkAttribute hook with the link-time snapshot. It does nothing while the status is DISABLED or when
// attr is not linked.
func (a *Adapter) UnlinkAttribute(asset *model.Asset, attr *model.Attribute) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status.Current() == status.Disabled {
		return
	}
	ref := model.AttributeRef{EntityID: asset.ID, Name: attr.Name}
	link, ok := a.registry.Get(ref)
	if !ok {
		return
	}

	// The entry goes first so the hook can no longer publish for ref.
	a.registry.RemoveIf(ref, link)
	if err := a.call("unlink", func(s *Scope) error {
		return a.proto.UnlinkAttribute(s, asset, link.Attribute)
	}); err != nil {
		a.logger.Warn("unlink attribute failed", "attribute", ref, "err", err)
	}
	a.logger.Debug("attribute unlinked", "attribute", ref)
}

// ProcessLinkedAttributeWrite handles a write request for a linked
// attribute: outbound conversion, then the WriteAttribute hook.
func (a *Adapter) ProcessLinkedAttributeWrite(ev model.AttributeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		a.logger.Debug("write dropped, adapter not running", "attribute", ev.Ref())
		return
	}
	ref := ev.Ref()
	link, ok := a.registry.Get(ref)
	if !ok {
		a.logger.Warn("write for attribute that is not linked", "attribute", ref)
		return
	}
	if ev.Source == model.SourceProtocol && ev.Origin == a.name {
		a.logger.Warn("write originating from this adapter dropped", "attribute", ref)
		return
	}

	res := convert.Outbound(link.Attribute, ev.Value(), a.registry.IsDynamic(ref))
	if res.Ignore {
		if res.Err != nil {
			a.logger.Warn("outbound value dropped", "attribute", ref, "err", res.Err)
		}
		return
	}

	if err := a.call("write", func(s *Scope) error {
		return a.proto.WriteAttribute(s, link.Attribute, ev, res.Value)
	}); err != nil {
		a.logger.Warn("write attribute failed", "attribute", ref, "err", err)
	}
}

// Do runs fn with the adapter lock held. Callbacks from timers, device
// SDKs and socket readers use it to re-enter the adapter. It reports false,
// without calling fn, when the adapter is not running.
func (a *Adapter) Do(fn func(s *Scope)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return false
	}
	a.run(fn)
	return true
}

func (a *Adapter) run(fn func(s *Scope)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("adapter callback panic", "panic", r)
		}
	}()
	fn(&Scope{a: a})
}

// call invokes a hook, converting a panic into an error.
func (a *Adapter) call(op string, fn func(s *Scope) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s hook panic: %v", op, r)
		}
	}()
	return fn(&Scope{a: a})
}

func (a *Adapter) setErrorStatus(err error) {
	if a.agent.Disabled {
		return
	}
	if errors.Is(err, ErrConfiguration) {
		a.status.Set(status.ErrorConfiguration)
		return
	}
	a.status.Set(status.Error)
}

// schedule runs fn under the adapter lock after delay, unless the adapter
// stops or restarts first. Caller holds a.mu.
func (a *Adapter) schedule(fn func(s *Scope), delay time.Duration) scheduler.Handle {
	if a.svc.Executor == nil || a.ctx.Err() != nil {
		return noopHandle{}
	}
	gen := a.gen

	// The entry exists before the executor sees fn, so a callback that runs
	// immediately always finds something to forget.
	a.hmu.Lock()
	id := a.nextH
	a.nextH++
	a.handles[id] = noopHandle{}
	a.hmu.Unlock()

	h := a.svc.Executor.Schedule(func() {
		a.forgetHandle(id)
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.started || a.gen != gen {
			return
		}
		a.run(fn)
	}, delay)

	a.hmu.Lock()
	if _, pending := a.handles[id]; pending {
		a.handles[id] = h
	}
	a.hmu.Unlock()
	return &trackedHandle{a: a, id: id, h: h}
}

func (a *Adapter) forgetHandle(id uint64) {
	a.hmu.Lock()
	delete(a.handles, id)
	a.hmu.Unlock()
}

func (a *Adapter) cancelScheduled() {
	a.hmu.Lock()
	handles := a.handles
	a.handles = make(map[uint64]scheduler.Handle)
	a.hmu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// ScheduledCount returns the number of scheduled callbacks not yet run.
func (a *Adapter) ScheduledCount() int {
	a.hmu.Lock()
	defer a.hmu.Unlock()
	return len(a.handles)
}

type trackedHandle struct {
	a  *Adapter
	id uint64
	h  scheduler.Handle
}

func (t *trackedHandle) Cancel() bool {
	t.a.forgetHandle(t.id)
	return t.h.Cancel()
}

type noopHandle struct{}

func (noopHandle) Cancel() bool { return false }
