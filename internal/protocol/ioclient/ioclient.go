// Package ioclient implements the protocol hooks shared by message
// oriented adapters: connect with backoff, a background reader, attribute
// message consumers and text writes. Concrete protocols only supply a
// Client.
package ioclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	writeTimeout   = 5 * time.Second
)

// Client is a connection to one remote endpoint. Dial may be called again
// after Close. Read blocks until a message arrives or the connection ends.
type Client interface {
	URI() string
	Dial(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close() error
}

// NewClientFunc builds a client from agent config. Errors are reported as
// configuration errors.
type NewClientFunc func(agent *model.Agent) (Client, error)

// Helper is a protocol.Protocol driving a Client.
type Helper struct {
	kind      string
	newClient NewClientFunc

	client    Client
	codec     Codec
	call      func(func(*protocol.Scope)) bool
	cancel    context.CancelFunc
	attempt   uint64
	connected bool
	backoff   time.Duration
	retry     scheduler.Handle
	consumers map[model.AttributeRef]*consumer

	// OnMessage, when set, sees every received message before consumers.
	OnMessage func(s *protocol.Scope, msg string)
}

type consumer struct {
	filters   []convert.Filter
	predicate *convert.StringPredicate
}

// New creates a helper for protocol kind.
func New(kind string, newClient NewClientFunc) *Helper {
	return &Helper{
		kind:      kind,
		newClient: newClient,
		backoff:   initialBackoff,
		consumers: make(map[model.AttributeRef]*consumer),
	}
}

func (h *Helper) Name() string { return h.kind }

// Client returns the current client, nil before Start.
func (h *Helper) Client() Client { return h.client }

// Connected reports whether the client is currently connected.
func (h *Helper) Connected() bool { return h.connected }

func (h *Helper) Start(s *protocol.Scope) error {
	c, err := h.newClient(s.Agent())
	if err != nil {
		if errors.Is(err, protocol.ErrConfiguration) {
			return err
		}
		return fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
	}
	h.client = c
	h.codec = CodecFor(s.Agent())
	h.call = s.Callback()
	s.Logger().Debug("io client created", "uri", c.URI(), "codec", h.codec)
	return nil
}

func (h *Helper) Stop(s *protocol.Scope) error {
	h.shutdown()
	h.client = nil
	clear(h.consumers)
	return nil
}

func (h *Helper) Connect(s *protocol.Scope) error {
	if h.client == nil {
		return protocol.ErrNotStarted
	}
	h.backoff = initialBackoff
	h.dial(s)
	return nil
}

func (h *Helper) Disconnect(s *protocol.Scope) error {
	h.shutdown()
	return nil
}

func (h *Helper) shutdown() {
	h.attempt++
	if h.retry != nil {
		h.retry.Cancel()
		h.retry = nil
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if h.client != nil {
		h.client.Close()
	}
	h.connected = false
}

func (h *Helper) dial(s *protocol.Scope) {
	h.retry = nil
	h.attempt++
	att := h.attempt
	ctx, cancel := context.WithCancel(s.Context())
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	s.SetStatus(status.Connecting)

	c, call := h.client, h.call
	go func() {
		err := c.Dial(ctx)
		call(func(s *protocol.Scope) { h.dialed(s, ctx, att, err) })
	}()
}

func (h *Helper) dialed(s *protocol.Scope, ctx context.Context, att uint64, err error) {
	if att != h.attempt || ctx.Err() != nil {
		return
	}
	if err != nil {
		s.Logger().Warn("io client connect failed", "uri", h.client.URI(), "err", err, "retry_in", h.backoff)
		s.SetStatus(status.Error)
		h.reconnect(s)
		return
	}

	h.connected = true
	h.backoff = initialBackoff
	s.SetStatus(status.Connected)
	s.Logger().Info("io client connected", "uri", h.client.URI())

	c, call, codec := h.client, h.call, h.codec
	go func() {
		for {
			b, err := c.Read(ctx)
			if err != nil {
				call(func(s *protocol.Scope) { h.lost(s, ctx, att, err) })
				return
			}
			msg := codec.Decode(b)
			call(func(s *protocol.Scope) {
				if att == h.attempt {
					h.dispatch(s, msg)
				}
			})
		}
	}()
}

func (h *Helper) lost(s *protocol.Scope, ctx context.Context, att uint64, err error) {
	if att != h.attempt || ctx.Err() != nil {
		return
	}
	s.Logger().Warn("io client connection lost", "uri", h.client.URI(), "err", err)
	h.connected = false
	h.client.Close()
	s.SetStatus(status.Error)
	h.reconnect(s)
}

func (h *Helper) reconnect(s *protocol.Scope) {
	delay := h.backoff
	h.backoff = min(h.backoff*2, maxBackoff)
	h.retry = s.Schedule(h.dial, delay)
}

func (h *Helper) dispatch(s *protocol.Scope, msg string) {
	if h.OnMessage != nil {
		h.OnMessage(s, msg)
	}
	for ref, c := range h.consumers {
		if c.matches(msg) {
			s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: msg}, time.Time{})
		}
	}
}

// LinkAttribute registers a message consumer when the attribute carries
// matchPredicate meta. Attributes without one are write-only.
func (h *Helper) LinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	c, err := newConsumer(attr)
	if err != nil {
		return err
	}
	if c != nil {
		h.consumers[model.AttributeRef{EntityID: asset.ID, Name: attr.Name}] = c
	}
	return nil
}

func (h *Helper) UnlinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	delete(h.consumers, model.AttributeRef{EntityID: asset.ID, Name: attr.Name})
	return nil
}

// WriteAttribute sends the text form of value.
func (h *Helper) WriteAttribute(s *protocol.Scope, attr *model.Attribute, ev model.AttributeEvent, value any) error {
	if value == nil {
		s.Logger().Debug("no message produced for write", "attribute", ev.Ref())
		return nil
	}
	return h.Send(s, model.ValueString(value))
}

// Send encodes msg with the agent's codec and writes it.
func (h *Helper) Send(s *protocol.Scope, msg string) error {
	if h.client == nil || !h.connected {
		return protocol.ErrNotConnected
	}
	b, err := h.codec.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.Context(), writeTimeout)
	defer cancel()
	if err := h.client.Write(ctx, b); err != nil {
		return fmt.Errorf("write to %s: %w", h.client.URI(), err)
	}
	return nil
}

func newConsumer(attr *model.Attribute) (*consumer, error) {
	raw, ok := attr.MetaValue(model.MetaMatchPredicate)
	if !ok || raw == nil {
		return nil, nil
	}
	p, err := convert.ParsePredicate(raw)
	if err != nil {
		return nil, fmt.Errorf("match predicate: %w", err)
	}
	c := &consumer{predicate: p}
	if raw, ok := attr.MetaValue(model.MetaMatchFilters); ok && raw != nil {
		filters, err := convert.ParseFilters(raw)
		if err != nil {
			return nil, fmt.Errorf("match filters: %w", err)
		}
		c.filters = filters
	}
	return c, nil
}

// matches reports whether msg is for the consumer's attribute. The filters
// only gate the message: a nil result rejects it. The predicate always
// tests the full message.
func (c *consumer) matches(msg string) bool {
	if msg == "" {
		return false
	}
	if len(c.filters) > 0 {
		out, err := convert.ApplyFilters(msg, c.filters)
		if err != nil || out == nil {
			return false
		}
	}
	return c.predicate.Matches(msg)
}
