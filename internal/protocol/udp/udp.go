// Package udp is a UDP client protocol; every datagram is one message.
package udp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/protocol/ioclient"
)

// Name is the protocol kind.
const Name = "udp"

const maxDatagram = 64 * 1024

// New creates a UDP client protocol. Required config: host, port.
// Optional: bindPort for the local socket.
func New(agent *model.Agent) (protocol.Protocol, error) {
	return ioclient.New(Name, NewClient), nil
}

// Client is a connected UDP socket.
type Client struct {
	remote string
	local  *net.UDPAddr

	mu   sync.Mutex
	conn net.Conn
}

// NewClient builds a UDP client for agent.
func NewClient(agent *model.Agent) (ioclient.Client, error) {
	host := agent.ConfigString("host", "")
	port := agent.ConfigInt("port", 0)
	if host == "" || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: host and port are required", protocol.ErrConfiguration)
	}
	c := &Client{remote: net.JoinHostPort(host, strconv.Itoa(port))}
	if bp := agent.ConfigInt("bindPort", 0); bp > 0 {
		c.local = &net.UDPAddr{Port: bp}
	}
	return c, nil
}

func (c *Client) URI() string { return "udp://" + c.remote }

func (c *Client) Dial(ctx context.Context) error {
	d := net.Dialer{}
	if c.local != nil {
		d.LocalAddr = c.local
	}
	conn, err := d.DialContext(ctx, "udp", c.remote)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	return nil
}

func (c *Client) current() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, net.ErrClosed
	}
	return c.conn, nil
}

func (c *Client) Read(ctx context.Context) ([]byte, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *Client) Write(ctx context.Context, msg []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	_, err = conn.Write(msg)
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
