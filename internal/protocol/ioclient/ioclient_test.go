package ioclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClient struct {
	mu       sync.Mutex
	dialErrs []error
	dials    int
	inbox    chan []byte
	closed   chan struct{}
	written  [][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeClient) URI() string { return "fake://device" }

func (f *fakeClient) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		return err
	}
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeClient) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	select {
	case b := <-f.inbox:
		return b, nil
	case <-closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeClient) Write(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, msg)
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeClient) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type sensorSink struct {
	mu  sync.Mutex
	evs []model.AttributeEvent
}

func (s *sensorSink) PublishSensor(ev model.AttributeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *sensorSink) SubscribeActuator(string, func(model.AttributeEvent)) func() { return func() {} }

func (s *sensorSink) values() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.evs))
	for i, ev := range s.evs {
		out[i] = ev.Value()
	}
	return out
}

type nopAssets struct{}

func (nopAssets) SendAttributeEvent(model.AttributeEvent) {}
func (nopAssets) UpdateAgent(*model.Agent) error          { return nil }
func (nopAssets) ApplyValueFilters(v any, f []convert.Filter) (any, error) {
	return convert.ApplyFilters(v, f)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setup(t *testing.T, client *fakeClient, config map[string]any) (*protocol.Adapter, *Helper, *sensorSink, *scheduler.Manual) {
	t.Helper()
	h := New("fake", func(*model.Agent) (Client, error) { return client, nil })
	agent := &model.Agent{ID: "a1", Protocol: "fake", Config: config}
	a := protocol.NewAdapter(agent, h, testLogger())
	sink := &sensorSink{}
	exec := scheduler.NewManual()
	if err := a.Start(protocol.Services{Executor: exec, Assets: nopAssets{}, Events: sink}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop() })
	return a, h, sink, exec
}

func TestHelperConsumersMatchMessages(t *testing.T) {
	client := newFakeClient()
	a, _, sink, _ := setup(t, client, nil)

	asset := &model.Asset{ID: "dev"}
	temp := &model.Attribute{Name: "temp", Type: model.TypeNumber}
	temp.SetMeta(model.MetaMatchPredicate, map[string]any{"predicateType": "string", "match": "BEGIN", "value": "T="})
	temp.SetMeta(model.MetaValueFilters, []any{map[string]any{"type": "substring", "beginIndex": 2}})
	hum := &model.Attribute{Name: "hum", Type: model.TypeText}
	hum.SetMeta(model.MetaMatchPredicate, map[string]any{"match": "BEGIN", "value": "H="})
	writeOnly := &model.Attribute{Name: "cmd", Type: model.TypeText}

	if !a.Connect() {
		t.Fatal("connect = false")
	}
	waitFor(t, "connected", func() bool { return a.Status() == status.Connected })

	for _, attr := range []*model.Attribute{temp, hum, writeOnly} {
		if !a.LinkAttribute(asset, attr) {
			t.Fatalf("link %s failed", attr.Name)
		}
	}

	client.inbox <- []byte("T=21.5")
	client.inbox <- []byte("X=1")
	client.inbox <- []byte("H=40")

	waitFor(t, "two updates", func() bool { return len(sink.values()) == 2 })
	got := sink.values()
	if got[0] != 21.5 || got[1] != "H=40" {
		t.Errorf("values = %v", got)
	}
}

func TestConsumerFiltersGatePredicate(t *testing.T) {
	attr := &model.Attribute{Name: "temp", Type: model.TypeText}
	attr.SetMeta(model.MetaMatchPredicate, map[string]any{"predicateType": "string", "match": "EXACT", "value": "TEMP=21"})
	attr.SetMeta(model.MetaMatchFilters, []any{map[string]any{"type": "substring", "beginIndex": 0, "endIndex": 3}})
	c, err := newConsumer(attr)
	if err != nil || c == nil {
		t.Fatalf("newConsumer = %v, %v", c, err)
	}
	if !c.matches("TEMP=21") {
		t.Error("predicate should test the full message, not the filtered value")
	}
	if c.matches("") {
		t.Error("empty message matched")
	}

	gated := &model.Attribute{Name: "hum", Type: model.TypeText}
	gated.SetMeta(model.MetaMatchPredicate, map[string]any{"match": "CONTAINS", "value": "="})
	gated.SetMeta(model.MetaMatchFilters, []any{map[string]any{"type": "regex", "pattern": "^H=(\\d+)$", "matchGroup": 1}})
	c, err = newConsumer(gated)
	if err != nil {
		t.Fatal(err)
	}
	if !c.matches("H=40") {
		t.Error("H=40 rejected")
	}
	if c.matches("T=21") {
		t.Error("filter yielding nil should reject the message")
	}
}

func TestConsumerRequiresPredicate(t *testing.T) {
	attr := &model.Attribute{Name: "raw", Type: model.TypeText}
	attr.SetMeta(model.MetaMatchFilters, []any{map[string]any{"type": "substring", "beginIndex": 1}})
	c, err := newConsumer(attr)
	if err != nil || c != nil {
		t.Errorf("newConsumer = %v, %v; want no consumer", c, err)
	}
}

func TestHelperReconnectBackoff(t *testing.T) {
	client := newFakeClient()
	client.dialErrs = []error{errors.New("refused"), errors.New("refused")}
	a, _, _, exec := setup(t, client, nil)

	a.Connect()
	waitFor(t, "error status", func() bool { return a.Status() == status.Error })
	waitFor(t, "retry scheduled", func() bool { _, ok := exec.NextDelay(); return ok })
	if d, _ := exec.NextDelay(); d != time.Second {
		t.Errorf("first retry in %v, want 1s", d)
	}

	exec.Advance(time.Second)
	waitFor(t, "second dial", func() bool { return client.dialCount() == 2 })
	waitFor(t, "second retry scheduled", func() bool { d, ok := exec.NextDelay(); return ok && d == 2*time.Second })

	exec.Advance(2 * time.Second)
	waitFor(t, "connected", func() bool { return a.Status() == status.Connected })
}

func TestHelperReconnectsAfterConnectionLoss(t *testing.T) {
	client := newFakeClient()
	a, _, _, exec := setup(t, client, nil)
	a.Connect()
	waitFor(t, "connected", func() bool { return a.Status() == status.Connected })

	client.Close()
	waitFor(t, "error status", func() bool { return a.Status() == status.Error })
	waitFor(t, "retry scheduled", func() bool { _, ok := exec.NextDelay(); return ok })
	exec.Advance(time.Second)
	waitFor(t, "reconnected", func() bool { return a.Status() == status.Connected && client.dialCount() == 2 })
}

func TestHelperWriteEncodesValue(t *testing.T) {
	client := newFakeClient()
	a, h, _, _ := setup(t, client, map[string]any{ConfigHex: true})

	attr := &model.Attribute{Name: "raw", Type: model.TypeText}
	asset := &model.Asset{ID: "dev"}
	a.Connect()
	waitFor(t, "connected", func() bool { return a.Status() == status.Connected })
	a.LinkAttribute(asset, attr)

	a.ProcessLinkedAttributeWrite(model.NewEvent(model.AttributeRef{EntityID: "dev", Name: "raw"}, "0A ff", model.SourceUser))

	client.mu.Lock()
	written := client.written
	client.mu.Unlock()
	if len(written) != 1 || string(written[0]) != "\x0a\xff" {
		t.Errorf("written = %q", written)
	}

	a.Disconnect()
	a.Do(func(s *protocol.Scope) {
		if err := h.Send(s, "00"); !errors.Is(err, protocol.ErrNotConnected) {
			t.Errorf("send after disconnect err = %v", err)
		}
	})
}

func TestHelperBadClientConfig(t *testing.T) {
	h := New("fake", func(*model.Agent) (Client, error) { return nil, errors.New("host missing") })
	a := protocol.NewAdapter(&model.Agent{ID: "a1"}, h, testLogger())
	if err := a.Start(protocol.Services{Executor: scheduler.NewManual()}); err == nil {
		t.Fatal("start succeeded")
	}
	if a.Status() != status.ErrorConfiguration {
		t.Errorf("status = %s", a.Status())
	}
}

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		codec Codec
		msg   string
		wire  []byte
	}{
		{CodecText, "hello", []byte("hello")},
		{CodecHex, "0AFF10", []byte{0x0a, 0xff, 0x10}},
		{CodecBinary, "0000000111111111", []byte{0x01, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			b, err := tt.codec.Encode(tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != string(tt.wire) {
				t.Errorf("encode = %x", b)
			}
			if got := tt.codec.Decode(tt.wire); got != tt.msg {
				t.Errorf("decode = %q", got)
			}
		})
	}

	if _, err := CodecHex.Encode("zz"); err == nil {
		t.Error("bad hex accepted")
	}
	if _, err := CodecBinary.Encode("101"); err == nil {
		t.Error("short binary accepted")
	}
}

func TestFramer(t *testing.T) {
	f := NewFramer(strings.NewReader("a\nbb\ncc"), []byte("\n"), true, 0)
	var frames []string
	for {
		b, err := f.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, string(b))
	}
	want := []string{"a", "bb", "cc"}
	if strings.Join(frames, ",") != strings.Join(want, ",") {
		t.Errorf("frames = %q", frames)
	}

	f = NewFramer(strings.NewReader("x;y;"), []byte(";"), false, 0)
	first, _ := f.Next()
	if string(first) != "x;" {
		t.Errorf("unstripped frame = %q", first)
	}
}

func TestDelimiterConfig(t *testing.T) {
	agent := &model.Agent{Config: map[string]any{ConfigDelimiter: `\r\n`}}
	d, err := Delimiter(agent, CodecText, "\n")
	if err != nil || string(d) != "\r\n" {
		t.Errorf("delimiter = %q %v", d, err)
	}
	d, _ = Delimiter(&model.Agent{}, CodecText, "\n")
	if string(d) != "\n" {
		t.Errorf("default delimiter = %q", d)
	}
	d, _ = Delimiter(&model.Agent{Config: map[string]any{ConfigDelimiter: "0D"}}, CodecHex, "")
	if len(d) != 1 || d[0] != 0x0d {
		t.Errorf("hex delimiter = %x", d)
	}
}
