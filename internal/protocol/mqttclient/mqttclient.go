// Package mqttclient is a protocol that maps MQTT topics on an external
// broker to attributes.
package mqttclient

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/status"
)

// Name is the protocol kind.
const Name = "mqtt"

const (
	defaultPort          = 1883
	connectRetryInterval = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
	tokenTimeout         = 5 * time.Second
	disconnectQuiesce    = 250
)

// Protocol is the MQTT client protocol instance for one agent.
type Protocol struct {
	protocol.Base

	opts   *pahomqtt.ClientOptions
	qos    byte
	client pahomqtt.Client
	call   func(func(*protocol.Scope)) bool
	// topic filter -> attributes fed by it
	subs map[string]map[model.AttributeRef]struct{}

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// New creates an MQTT client protocol. Config: brokerURL, or host with
// optional port and secureMode; clientId, username, password, qos, and
// lastWillTopic/lastWillPayload/lastWillRetain.
func New(agent *model.Agent) (protocol.Protocol, error) {
	return &Protocol{
		subs:      make(map[string]map[model.AttributeRef]struct{}),
		newClient: pahomqtt.NewClient,
	}, nil
}

func (p *Protocol) Name() string { return Name }

// BrokerURL resolves the broker address from agent config.
func BrokerURL(agent *model.Agent) (string, error) {
	if raw := agent.ConfigString("brokerURL", ""); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: invalid brokerURL %q", protocol.ErrConfiguration, raw)
		}
		switch u.Scheme {
		case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		default:
			return "", fmt.Errorf("%w: unsupported broker scheme %q", protocol.ErrConfiguration, u.Scheme)
		}
		return raw, nil
	}
	host := agent.ConfigString("host", "")
	if host == "" {
		return "", fmt.Errorf("%w: brokerURL or host is required", protocol.ErrConfiguration)
	}
	port := agent.ConfigInt("port", defaultPort)
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: invalid port %d", protocol.ErrConfiguration, port)
	}
	scheme := "tcp"
	if agent.ConfigBool("secureMode", false) {
		scheme = "ssl"
	}
	return scheme + "://" + host + ":" + strconv.Itoa(port), nil
}

func (p *Protocol) Start(s *protocol.Scope) error {
	agent := s.Agent()
	broker, err := BrokerURL(agent)
	if err != nil {
		return err
	}
	qos := agent.ConfigInt("qos", 0)
	if qos < 0 || qos > 2 {
		return fmt.Errorf("%w: qos must be 0, 1 or 2", protocol.ErrConfiguration)
	}
	p.qos = byte(qos)

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(agent.ConfigString("clientId", "agentgw-"+agent.ID)).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetMaxReconnectInterval(maxReconnectInterval)
	if user := agent.ConfigString("username", ""); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(agent.ConfigString("password", ""))
	}
	if topic := agent.ConfigString("lastWillTopic", ""); topic != "" {
		opts.SetWill(topic, agent.ConfigString("lastWillPayload", ""), p.qos, agent.ConfigBool("lastWillRetain", false))
	}

	logger := s.Logger()
	p.call = s.Callback()
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.call(func(s *protocol.Scope) {
			if p.client != c {
				return
			}
			s.Logger().Info("MQTT connected", "broker", broker)
			s.SetStatus(status.Connected)
			for topic := range p.subs {
				p.subscribe(s, topic)
			}
		})
	})
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "err", err)
		p.call(func(s *protocol.Scope) {
			if p.client == c {
				s.SetStatus(status.Connecting)
			}
		})
	})
	p.opts = opts
	return nil
}

func (p *Protocol) Stop(s *protocol.Scope) error {
	p.shutdown()
	clear(p.subs)
	return nil
}

// Connect starts the paho client. It retries in the background until the
// broker accepts the connection; status follows the paho callbacks.
func (p *Protocol) Connect(s *protocol.Scope) error {
	p.shutdown()
	client := p.newClient(p.opts)
	p.client = client
	token := client.Connect()
	call := p.call
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			call(func(s *protocol.Scope) {
				if p.client == client {
					s.Logger().Warn("MQTT connect failed", "err", err)
					s.SetStatus(status.Error)
				}
			})
		}
	}()
	return nil
}

func (p *Protocol) Disconnect(s *protocol.Scope) error {
	p.shutdown()
	return nil
}

// shutdown detaches the current client. Message handlers take the adapter
// lock, so paho's Disconnect must not run while it is held.
func (p *Protocol) shutdown() {
	if p.client == nil {
		return
	}
	client := p.client
	p.client = nil
	go client.Disconnect(disconnectQuiesce)
}

// LinkAttribute registers the attribute for mqttSubscriptionTopic
// messages. Attributes with only mqttPublishTopic are write-only.
func (p *Protocol) LinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	sub := attr.MetaString(model.MetaMQTTSubscribeTopic)
	pub := attr.MetaString(model.MetaMQTTPublishTopic)
	if sub == "" && pub == "" {
		return fmt.Errorf("attribute %s has no %s or %s", attr.Name, model.MetaMQTTSubscribeTopic, model.MetaMQTTPublishTopic)
	}
	if sub == "" {
		return nil
	}
	ref := model.AttributeRef{EntityID: asset.ID, Name: attr.Name}
	refs, ok := p.subs[sub]
	if !ok {
		refs = make(map[model.AttributeRef]struct{})
		p.subs[sub] = refs
	}
	refs[ref] = struct{}{}
	if !ok && p.client != nil && p.client.IsConnected() {
		p.subscribe(s, sub)
	}
	return nil
}

func (p *Protocol) UnlinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	sub := attr.MetaString(model.MetaMQTTSubscribeTopic)
	refs, ok := p.subs[sub]
	if !ok {
		return nil
	}
	delete(refs, model.AttributeRef{EntityID: asset.ID, Name: attr.Name})
	if len(refs) > 0 {
		return nil
	}
	delete(p.subs, sub)
	if p.client != nil && p.client.IsConnected() {
		p.await(s, "unsubscribe", sub, p.client.Unsubscribe(sub))
	}
	return nil
}

// Subscribed reports the topic filters with at least one linked attribute.
func (p *Protocol) Subscribed() []string {
	out := make([]string, 0, len(p.subs))
	for topic := range p.subs {
		out = append(out, topic)
	}
	return out
}

func (p *Protocol) subscribe(s *protocol.Scope, topic string) {
	client, call := p.client, p.call
	token := client.Subscribe(topic, p.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := string(msg.Payload())
		call(func(s *protocol.Scope) {
			if p.client != client {
				return
			}
			p.deliver(s, topic, payload)
		})
	})
	p.await(s, "subscribe", topic, token)
}

func (p *Protocol) deliver(s *protocol.Scope, topic, payload string) {
	for ref := range p.subs[topic] {
		s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: payload}, time.Time{})
	}
}

// await logs the outcome of token off the adapter lock.
func (p *Protocol) await(s *protocol.Scope, op, topic string, token pahomqtt.Token) {
	logger := s.Logger()
	go func() {
		if !token.WaitTimeout(tokenTimeout) {
			logger.Warn("MQTT "+op+" timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			logger.Warn("MQTT "+op+" error", "topic", topic, "err", err)
		}
	}()
}

// WriteAttribute publishes the processed value to mqttPublishTopic.
func (p *Protocol) WriteAttribute(s *protocol.Scope, attr *model.Attribute, ev model.AttributeEvent, value any) error {
	topic := attr.MetaString(model.MetaMQTTPublishTopic)
	if topic == "" {
		return fmt.Errorf("attribute %s has no %s", attr.Name, model.MetaMQTTPublishTopic)
	}
	if p.client == nil || !p.client.IsConnected() {
		return protocol.ErrNotConnected
	}
	p.await(s, "publish", topic, p.client.Publish(topic, p.qos, false, model.ValueString(value)))
	return nil
}
