// Package websocket is a websocket client protocol; every frame is one
// message.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"nhooyr.io/websocket"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/protocol/ioclient"
)

// Name is the protocol kind.
const Name = "websocket"

const readLimit = 1 << 20

// New creates a websocket client protocol. Required config: url
// (ws:// or wss://). Optional: headers (map of header name to value) and
// connectMessages, sent in order after every successful connect.
func New(agent *model.Agent) (protocol.Protocol, error) {
	return ioclient.New(Name, NewClient), nil
}

// Client is a websocket connection.
type Client struct {
	url    string
	header http.Header
	onOpen []string
	binary bool

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient builds a websocket client for agent.
func NewClient(agent *model.Agent) (ioclient.Client, error) {
	raw := agent.ConfigString("url", "")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("%w: url must be ws:// or wss://", protocol.ErrConfiguration)
	}
	c := &Client{url: raw, header: http.Header{}, binary: ioclient.CodecFor(agent) != ioclient.CodecText}

	if _, ok := agent.Config["headers"]; ok {
		var headers map[string]string
		if err := agent.ConfigDecode("headers", &headers); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
		}
		for k, v := range headers {
			c.header.Set(k, v)
		}
	}
	if _, ok := agent.Config["connectMessages"]; ok {
		if err := agent.ConfigDecode("connectMessages", &c.onOpen); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
		}
	}
	return c, nil
}

func (c *Client) URI() string { return c.url }

func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	conn.SetReadLimit(readLimit)
	for _, m := range c.onOpen {
		if err := conn.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
			conn.Close(websocket.StatusInternalError, "connect message failed")
			return fmt.Errorf("websocket connect message: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusGoingAway, "")
	}
	c.conn = conn
	return nil
}

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, protocol.ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) Read(ctx context.Context) ([]byte, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	_, data, err := conn.Read(ctx)
	return data, err
}

func (c *Client) Write(ctx context.Context, msg []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if c.binary {
		typ = websocket.MessageBinary
	}
	return conn.Write(ctx, typ, msg)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}
