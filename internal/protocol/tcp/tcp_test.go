package tcp

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

type sink struct {
	mu  sync.Mutex
	evs []model.AttributeEvent
}

func (s *sink) PublishSensor(ev model.AttributeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *sink) SubscribeActuator(string, func(model.AttributeEvent)) func() { return func() {} }

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evs)
}

type assets struct{}

func (assets) SendAttributeEvent(model.AttributeEvent) {}
func (assets) UpdateAgent(*model.Agent) error          { return nil }
func (assets) ApplyValueFilters(v any, f []convert.Filter) (any, error) {
	return convert.ApplyFilters(v, f)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("STATE=ON\n"))
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err == nil {
			received <- line
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	agent := &model.Agent{ID: "tcp1", Protocol: Name, Config: map[string]any{
		"host": "127.0.0.1",
		"port": addr.Port,
	}}
	proto, _ := New(agent)
	a := protocol.NewAdapter(agent, proto, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	out := &sink{}
	pool := scheduler.NewPool(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	defer pool.Stop()
	if err := a.Start(protocol.Services{Executor: pool, Assets: assets{}, Events: out}); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	attr := &model.Attribute{Name: "power", Type: model.TypeBoolean}
	attr.SetMeta(model.MetaMatchPredicate, map[string]any{"match": "BEGIN", "value": "STATE="})
	attr.SetMeta(model.MetaValueFilters, []any{map[string]any{"type": "substring", "beginIndex": 6}})
	attr.SetMeta(model.MetaWriteValue, `"SET {$value}"`)
	asset := &model.Asset{ID: "lamp"}
	if !a.LinkAttribute(asset, attr) {
		t.Fatal("link failed")
	}
	a.Connect()
	eventually(t, func() bool { return a.Status() == status.Connected })
	eventually(t, func() bool { return out.count() == 1 })

	out.mu.Lock()
	v := out.evs[0].Value()
	out.mu.Unlock()
	if v != true {
		t.Errorf("value = %v, want true", v)
	}

	a.ProcessLinkedAttributeWrite(model.NewEvent(model.AttributeRef{EntityID: "lamp", Name: "power"}, false, model.SourceUser))
	select {
	case line := <-received:
		if line != "SET false\n" {
			t.Errorf("server received %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server received nothing")
	}
}

func TestTCPConfigErrors(t *testing.T) {
	for _, cfg := range []map[string]any{
		nil,
		{"host": "localhost"},
		{"host": "localhost", "port": 70000},
	} {
		if _, err := NewClient(&model.Agent{ID: "x", Config: cfg}); !errors.Is(err, protocol.ErrConfiguration) {
			t.Errorf("config %v: err = %v", cfg, err)
		}
	}
}
