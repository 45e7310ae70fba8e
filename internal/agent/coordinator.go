// Package agent runs one protocol adapter per configured agent and routes
// attribute events between adapters, the store and northbound consumers.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
	"agent-gateway/internal/store"
)

var (
	// ErrReadOnly is returned for writes to attributes marked readOnly.
	ErrReadOnly = errors.New("attribute is read-only")
	// ErrNoRoute is returned when a linked attribute's adapter is not
	// running.
	ErrNoRoute = errors.New("adapter not running")
	// ErrExists is returned when creating an agent whose ID is taken.
	ErrExists = errors.New("already exists")
)

// Coordinator owns the adapters. Management operations (agent and asset
// changes, Start, Stop) are serialized; attribute routing is not, and
// never calls into an adapter directly.
type Coordinator struct {
	store     store.Store
	factories *Factories
	transport *eventbus.Transport
	bus       *eventbus.Bus
	exec      scheduler.Executor
	live      *LiveTable
	logger    *slog.Logger

	mu       sync.Mutex
	adapters map[string]*managed
	running  bool

	rmu    sync.RWMutex
	routes map[model.AttributeRef]string // linked attribute -> adapter name

	statuses    *scheduler.Table[string, status.Status]
	unsubSensor func()
}

type managed struct {
	adapter     *protocol.Adapter
	connected   bool
	unsubStatus func()
}

// New creates a coordinator. Start must be called before use.
func New(st store.Store, factories *Factories, transport *eventbus.Transport, bus *eventbus.Bus, exec scheduler.Executor, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		factories: factories,
		transport: transport,
		bus:       bus,
		exec:      exec,
		live:      NewLiveTable(),
		logger:    logger.With("component", "agents"),
		adapters:  make(map[string]*managed),
		routes:    make(map[model.AttributeRef]string),
		statuses:  scheduler.NewTable[string, status.Status](),
	}
}

// Live returns the table of connected adapters.
func (c *Coordinator) Live() *LiveTable { return c.live }

// Protocols returns the names of the registered protocols.
func (c *Coordinator) Protocols() []string { return c.factories.Names() }

// Start subscribes to device updates and starts an adapter for every
// stored agent. Agents that fail to start are logged and left in their
// error status.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.unsubSensor = c.transport.OnSensor(c.handleSensor)
	c.running = true

	agents, err := c.store.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	assets, err := c.store.ListAssets()
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	for _, agent := range agents {
		if err := c.startAgent(agent, assets); err != nil {
			c.logger.Error("agent start failed", "agent", agent.ID, "err", err)
		}
	}
	c.logger.Info("agents started", "agents", len(agents), "connected", c.live.Len())
	return nil
}

// Stop deactivates every adapter.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	for id := range c.adapters {
		c.stopAgent(id)
	}
	if c.unsubSensor != nil {
		c.unsubSensor()
		c.unsubSensor = nil
	}
	c.running = false
	c.logger.Info("agents stopped")
}

// startAgent activates an adapter: start, connect, then link every
// attribute that names the agent. Must be called with c.mu held.
func (c *Coordinator) startAgent(agent *model.Agent, assets []*model.Asset) error {
	proto, err := c.factories.Create(agent)
	if err != nil {
		c.statuses.Store(agent.ID, status.ErrorConfiguration)
		c.emitStatus(agent.ID, status.ErrorConfiguration)
		return err
	}
	a := protocol.NewAdapter(agent, proto, c.logger)
	m := &managed{adapter: a}
	m.unsubStatus = a.StatusMachine().Subscribe(func(st status.Status) {
		c.statuses.Store(agent.ID, st)
		c.emitStatus(agent.ID, st)
	})
	c.adapters[agent.ID] = m

	svc := protocol.Services{
		Executor: c.exec,
		Assets:   assetService{c},
		Events:   c.transport,
		Live:     c.live,
	}
	if err := a.Start(svc); err != nil {
		return err
	}
	if !a.Connect() {
		return nil
	}
	m.connected = true

	for _, asset := range assets {
		for _, attr := range asset.Attributes {
			if attr.AgentID() == agent.ID {
				c.link(m, asset, attr)
			}
		}
	}
	return nil
}

// stopAgent deactivates an adapter: unlink, disconnect, then stop. Must
// be called with c.mu held.
func (c *Coordinator) stopAgent(id string) {
	m, ok := c.adapters[id]
	if !ok {
		return
	}
	a := m.adapter
	for _, ref := range a.LinkedAttributes() {
		c.unlink(m, ref)
	}
	a.Disconnect()
	if err := a.Stop(); err != nil {
		c.logger.Warn("agent stop failed", "agent", id, "err", err)
	}
	m.unsubStatus()
	delete(c.adapters, id)
	c.statuses.Delete(id)
}

func (c *Coordinator) link(m *managed, asset *model.Asset, attr *model.Attribute) {
	if !m.adapter.LinkAttribute(asset, attr) {
		return
	}
	c.rmu.Lock()
	c.routes[model.AttributeRef{EntityID: asset.ID, Name: attr.Name}] = m.adapter.Name()
	c.rmu.Unlock()
}

func (c *Coordinator) unlink(m *managed, ref model.AttributeRef) {
	m.adapter.UnlinkAttribute(&model.Asset{ID: ref.EntityID}, &model.Attribute{Name: ref.Name})
	c.rmu.Lock()
	if c.routes[ref] == m.adapter.Name() {
		delete(c.routes, ref)
	}
	c.rmu.Unlock()
}

func (c *Coordinator) emitStatus(agentID string, st status.Status) {
	c.bus.Emit(eventbus.Event{
		Type: eventbus.EventAgentStatus,
		Data: eventbus.AgentStatus{AgentID: agentID, Status: string(st)},
	})
}

// AgentStatus returns the connection status of an agent's adapter.
func (c *Coordinator) AgentStatus(id string) (status.Status, bool) {
	return c.statuses.Load(id)
}

// Statuses returns the status of every agent with an adapter.
func (c *Coordinator) Statuses() map[string]status.Status {
	return c.statuses.Snapshot()
}

// LinkedTo returns the adapter name serving ref, if it is linked.
func (c *Coordinator) LinkedTo(ref model.AttributeRef) (string, bool) {
	c.rmu.RLock()
	defer c.rmu.RUnlock()
	name, ok := c.routes[ref]
	return name, ok
}

// ListAgents returns the stored agents.
func (c *Coordinator) ListAgents() ([]*model.Agent, error) {
	return c.store.ListAgents()
}

// GetAgent returns one stored agent.
func (c *Coordinator) GetAgent(id string) (*model.Agent, error) {
	return c.store.GetAgent(id)
}

// CreateAgent stores a new agent and starts its adapter. An empty ID is
// replaced with a generated one.
func (c *Coordinator) CreateAgent(agent *model.Agent) (*model.Agent, error) {
	if !c.factories.Known(agent.Protocol) {
		return nil, fmt.Errorf("%w %q", ErrUnknownProtocol, agent.Protocol)
	}
	agent = agent.Clone()
	if agent.ID == "" {
		agent.ID = store.NewID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.store.GetAgent(agent.ID); err == nil {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, ErrExists)
	}
	if err := c.store.SaveAgent(agent); err != nil {
		return nil, err
	}
	c.emitChange(eventbus.EventAgentChanged, agent.ID, eventbus.ActionCreated)
	if c.running {
		if err := c.activate(agent); err != nil {
			c.logger.Warn("new agent did not start", "agent", agent.ID, "err", err)
		}
	}
	return agent, nil
}

// UpdateAgent replaces a stored agent and restarts its adapter.
func (c *Coordinator) UpdateAgent(agent *model.Agent) error {
	if !c.factories.Known(agent.Protocol) {
		return fmt.Errorf("%w %q", ErrUnknownProtocol, agent.Protocol)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.store.GetAgent(agent.ID); err != nil {
		return err
	}
	c.stopAgent(agent.ID)
	if err := c.store.SaveAgent(agent); err != nil {
		return err
	}
	c.emitChange(eventbus.EventAgentChanged, agent.ID, eventbus.ActionUpdated)
	if c.running {
		if err := c.activate(agent); err != nil {
			c.logger.Warn("updated agent did not start", "agent", agent.ID, "err", err)
		}
	}
	return nil
}

// DeleteAgent stops the agent's adapter and removes it from the store.
// Attributes that named it stay in place, unlinked.
func (c *Coordinator) DeleteAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAgent(id)
	if err := c.store.DeleteAgent(id); err != nil {
		return err
	}
	c.emitChange(eventbus.EventAgentChanged, id, eventbus.ActionDeleted)
	return nil
}

func (c *Coordinator) activate(agent *model.Agent) error {
	assets, err := c.store.ListAssets()
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	return c.startAgent(agent, assets)
}

// ListAssets returns the stored assets.
func (c *Coordinator) ListAssets() ([]*model.Asset, error) {
	return c.store.ListAssets()
}

// GetAsset returns one stored asset.
func (c *Coordinator) GetAsset(id string) (*model.Asset, error) {
	return c.store.GetAsset(id)
}

// SaveAsset creates or replaces an asset and relinks its attributes:
// links whose attribute disappeared or changed are removed, and attributes
// that name a connected agent and are not linked yet are linked.
func (c *Coordinator) SaveAsset(asset *model.Asset) (*model.Asset, error) {
	asset = asset.Clone()
	if asset.ID == "" {
		asset.ID = store.NewID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	action := eventbus.ActionUpdated
	prev, err := c.store.GetAsset(asset.ID)
	if errors.Is(err, store.ErrNotFound) {
		action = eventbus.ActionCreated
		prev = &model.Asset{ID: asset.ID}
	} else if err != nil {
		return nil, err
	}

	for _, old := range prev.Attributes {
		ref := model.AttributeRef{EntityID: asset.ID, Name: old.Name}
		next := asset.Attribute(old.Name)
		if next != nil && sameLink(old, next) {
			continue
		}
		if m, ok := c.adapters[old.AgentID()]; ok {
			c.unlink(m, ref)
		}
	}

	// Keep stored values for attributes the request carries without one.
	for _, attr := range asset.Attributes {
		if old := prev.Attribute(attr.Name); old != nil && attr.Value == nil {
			attr.Value, attr.Timestamp = old.Value, old.Timestamp
		}
	}
	if err := c.store.SaveAsset(asset); err != nil {
		return nil, err
	}

	for _, attr := range asset.Attributes {
		m, ok := c.adapters[attr.AgentID()]
		if !ok || !m.connected {
			continue
		}
		if !m.adapter.IsLinked(model.AttributeRef{EntityID: asset.ID, Name: attr.Name}) {
			c.link(m, asset, attr)
		}
	}
	c.emitChange(eventbus.EventAssetChanged, asset.ID, action)
	return asset, nil
}

// DeleteAsset unlinks the asset's attributes and removes it.
func (c *Coordinator) DeleteAsset(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	asset, err := c.store.GetAsset(id)
	if err != nil {
		return err
	}
	for _, attr := range asset.Attributes {
		if m, ok := c.adapters[attr.AgentID()]; ok {
			c.unlink(m, model.AttributeRef{EntityID: id, Name: attr.Name})
		}
	}
	if err := c.store.DeleteAsset(id); err != nil {
		return err
	}
	c.emitChange(eventbus.EventAssetChanged, id, eventbus.ActionDeleted)
	return nil
}

// sameLink reports whether two versions of an attribute link identically.
func sameLink(a, b *model.Attribute) bool {
	return a.Type == b.Type && reflect.DeepEqual(a.Meta, b.Meta)
}

func (c *Coordinator) emitChange(eventType, id, action string) {
	c.bus.Emit(eventbus.Event{Type: eventType, Data: eventbus.Change{ID: id, Action: action}})
}

// WriteAttribute submits a write request from a northbound client. The
// attribute must exist and must not be read-only.
func (c *Coordinator) WriteAttribute(ev model.AttributeEvent) error {
	ref := ev.Ref()
	asset, err := c.store.GetAsset(ref.EntityID)
	if err != nil {
		return err
	}
	attr := asset.Attribute(ref.Name)
	if attr == nil {
		return fmt.Errorf("attribute %s: %w", ref, store.ErrNotFound)
	}
	if ro, _ := attr.MetaValue(model.MetaReadOnly); ro == true {
		return fmt.Errorf("attribute %s: %w", ref, ErrReadOnly)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return c.route(ev)
}

// route sends linked attribute writes to the owning adapter's actuator
// channel and stores writes to unlinked attributes directly.
func (c *Coordinator) route(ev model.AttributeEvent) error {
	ref := ev.Ref()
	if name, ok := c.LinkedTo(ref); ok {
		if !c.transport.PublishActuator(name, ev) {
			return fmt.Errorf("attribute %s: %w", ref, ErrNoRoute)
		}
		return nil
	}
	if err := c.store.UpdateAttribute(ref, ev.Value(), ev.Timestamp); err != nil {
		return err
	}
	c.bus.Emit(eventbus.Event{Type: eventbus.EventAttributeUpdate, Data: ev})
	return nil
}

// handleSensor applies a device update to the store and broadcasts it.
func (c *Coordinator) handleSensor(ev model.AttributeEvent) {
	if err := c.store.UpdateAttribute(ev.Ref(), ev.Value(), ev.Timestamp); err != nil {
		c.logger.Warn("sensor update not stored", "attribute", ev.Ref(), "origin", ev.Origin, "err", err)
		return
	}
	c.bus.Emit(eventbus.Event{Type: eventbus.EventAttributeUpdate, Data: ev})
}

// assetService is the coordinator as seen by adapters.
type assetService struct {
	c *Coordinator
}

// SendAttributeEvent routes a write request issued by an adapter, such as
// a macro step or timer action.
func (s assetService) SendAttributeEvent(ev model.AttributeEvent) {
	if err := s.c.route(ev); err != nil {
		s.c.logger.Warn("attribute event dropped", "attribute", ev.Ref(), "source", ev.Source, "err", err)
	}
}

// UpdateAgent persists a configuration change made by a running adapter.
// The adapter is not restarted.
func (s assetService) UpdateAgent(agent *model.Agent) error {
	if err := s.c.store.SaveAgent(agent); err != nil {
		return err
	}
	s.c.emitChange(eventbus.EventAgentChanged, agent.ID, eventbus.ActionUpdated)
	return nil
}

func (assetService) ApplyValueFilters(value any, filters []convert.Filter) (any, error) {
	return convert.ApplyFilters(value, filters)
}
