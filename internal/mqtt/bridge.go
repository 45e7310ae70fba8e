//go:build !no_mqtt

// Package mqtt bridges gateway attributes to an MQTT broker: attribute
// values and agent statuses are published as retained topics, and writes
// arrive on per-attribute set topics.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/model"
	"agent-gateway/internal/status"
	"agent-gateway/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	Discovery       bool
	DiscoveryPrefix string
}

// Gateway is the part of the agent coordinator the bridge uses.
type Gateway interface {
	ListAssets() ([]*model.Asset, error)
	GetAsset(id string) (*model.Asset, error)
	WriteAttribute(ev model.AttributeEvent) error
	Statuses() map[string]status.Status
}

// Bridge connects the gateway to MQTT.
type Bridge struct {
	client pahomqtt.Client
	gw     Gateway
	bus    *eventbus.Bus
	cfg    Config
	prefix string
	logger *slog.Logger
	unsub  func()

	// Attribute names published per asset, used to clear retained topics.
	mu    sync.Mutex
	known map[string][]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw Gateway, bus *eventbus.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(gw, bus, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(gw Gateway, bus *eventbus.Bus, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "agent-gateway"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	return &Bridge{
		gw:     gw,
		bus:    bus,
		cfg:    cfg,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		logger: logger.With("component", "mqtt"),
		known:  make(map[string][]string),
	}
}

// Start subscribes to gateway events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect republishes everything retained and resubscribes. It runs
// again after every reconnect.
func (b *Bridge) onConnect(_ pahomqtt.Client) {
	b.logger.Info("MQTT connected")
	b.publishBridgeState("online")
	b.publishAllAssets()
	for id, st := range b.gw.Statuses() {
		b.publishAgentStatus(id, string(st))
	}
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event eventbus.Event) {
	switch event.Type {
	case eventbus.EventAttributeUpdate:
		if ev, ok := event.Data.(model.AttributeEvent); ok {
			b.publishValue(ev.Ref(), ev.Value())
		}
	case eventbus.EventAgentStatus:
		if st, ok := event.Data.(eventbus.AgentStatus); ok {
			b.publishAgentStatus(st.AgentID, st.Status)
		}
	case eventbus.EventAgentChanged:
		if ch, ok := event.Data.(eventbus.Change); ok && ch.Action == eventbus.ActionDeleted {
			b.publish(b.agentStatusTopic(ch.ID), nil, true)
		}
	case eventbus.EventAssetChanged:
		ch, ok := event.Data.(eventbus.Change)
		if !ok {
			return
		}
		if ch.Action == eventbus.ActionDeleted {
			b.clearAsset(ch.ID, nil)
			return
		}
		asset, err := b.gw.GetAsset(ch.ID)
		if err != nil {
			b.logger.Warn("changed asset not readable", "asset", ch.ID, "err", err)
			return
		}
		b.publishAsset(asset)
	}
}

func (b *Bridge) publishAllAssets() {
	assets, err := b.gw.ListAssets()
	if err != nil {
		b.logger.Error("list assets for publishing", "err", err)
		return
	}
	for _, asset := range assets {
		b.publishAsset(asset)
	}
}

// publishAsset announces an asset and its current values, and clears the
// topics of attributes it no longer has.
func (b *Bridge) publishAsset(asset *model.Asset) {
	names := make([]string, 0, len(asset.Attributes))
	for _, attr := range asset.Attributes {
		names = append(names, attr.Name)
	}
	b.clearAsset(asset.ID, names)

	if b.cfg.Discovery {
		for _, msg := range buildDiscovery(asset, b.prefix, b.cfg.DiscoveryPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	for _, attr := range asset.Attributes {
		if attr.Value != nil {
			b.publishValue(model.AttributeRef{EntityID: asset.ID, Name: attr.Name}, attr.Value)
		}
	}

	b.mu.Lock()
	b.known[asset.ID] = names
	b.mu.Unlock()
}

// clearAsset removes the retained topics of published attributes of an
// asset that are not in keep. A nil keep clears the whole asset.
func (b *Bridge) clearAsset(assetID string, keep []string) {
	b.mu.Lock()
	var gone []string
	for _, name := range b.known[assetID] {
		if !slices.Contains(keep, name) {
			gone = append(gone, name)
		}
	}
	if keep == nil {
		delete(b.known, assetID)
	}
	b.mu.Unlock()

	for _, name := range gone {
		b.publish(stateTopic(b.prefix, model.AttributeRef{EntityID: assetID, Name: name}), nil, true)
	}
	if b.cfg.Discovery {
		for _, msg := range buildRemoveDiscovery(assetID, gone, b.cfg.DiscoveryPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
}

func (b *Bridge) publishValue(ref model.AttributeRef, value any) {
	b.publish(stateTopic(b.prefix, ref), []byte(model.ValueString(value)), true)
}

func (b *Bridge) publishAgentStatus(agentID, st string) {
	b.publish(b.agentStatusTopic(agentID), []byte(st), true)
}

func (b *Bridge) agentStatusTopic(agentID string) string {
	return b.prefix + "/agents/" + agentID + "/status"
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", token.Error())
		}
	}()
}

// handleCommand turns a message on <prefix>/<asset>/<attribute>/set into
// an attribute write. JSON payloads are decoded; anything else is taken
// as a string.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	ref, ok := parseCommandTopic(b.prefix, topic)
	if !ok {
		b.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}

	err := b.gw.WriteAttribute(model.NewEvent(ref, value, model.SourceUser))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		b.logger.Warn("command for unknown attribute", "attribute", ref)
	default:
		b.logger.Warn("command failed", "attribute", ref, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func stateTopic(prefix string, ref model.AttributeRef) string {
	return prefix + "/" + ref.EntityID + "/" + ref.Name
}

func parseCommandTopic(prefix, topic string) (model.AttributeRef, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return model.AttributeRef{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return model.AttributeRef{}, false
	}
	return model.AttributeRef{EntityID: parts[0], Name: parts[1]}, true
}
