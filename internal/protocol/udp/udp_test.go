package udp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
)

func TestUDPClientExchange(t *testing.T) {
	srv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	port := srv.LocalAddr().(*net.UDPAddr).Port
	c, err := NewClient(&model.Agent{ID: "u", Config: map[string]any{"host": "127.0.0.1", "port": port}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Dial(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Write(ctx, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	srv.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, from, err := srv.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("server got %q", buf[:n])
	}

	if _, err := srv.WriteTo([]byte("pong"), from); err != nil {
		t.Fatal(err)
	}
	msg, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != "pong" {
		t.Errorf("client got %q", msg)
	}

	c.Close()
	if err := c.Write(ctx, []byte("x")); err == nil {
		t.Error("write after close succeeded")
	}
}

func TestUDPConfig(t *testing.T) {
	if _, err := NewClient(&model.Agent{ID: "u"}); !errors.Is(err, protocol.ErrConfiguration) {
		t.Errorf("err = %v", err)
	}
	c, err := NewClient(&model.Agent{ID: "u", Config: map[string]any{"host": "h", "port": 9, "bindPort": 5000}})
	if err != nil {
		t.Fatal(err)
	}
	if c.URI() != "udp://h:9" {
		t.Errorf("uri = %s", c.URI())
	}
	if c.(*Client).local.Port != 5000 {
		t.Error("bind port ignored")
	}
}
