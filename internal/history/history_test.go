//go:build !no_history

package history

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/model"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
	errs    chan error
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *fakeWriter) Errors() <-chan error { return w.errs }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func update(name string, v any) eventbus.Event {
	ev := model.NewEvent(model.AttributeRef{EntityID: "room", Name: name}, v, model.SourceProtocol)
	return eventbus.Event{Type: eventbus.EventAttributeUpdate, Data: ev}
}

func TestSinkRecordsNumericAndBoolean(t *testing.T) {
	w := &fakeWriter{errs: make(chan error)}
	s := newSink(w, testLogger())
	bus := eventbus.NewBus(testLogger())
	s.Start(bus)

	bus.Emit(update("temp", 21.5))
	bus.Emit(update("on", true))
	bus.Emit(update("off", false))
	bus.Emit(update("label", "kitchen"))
	bus.Emit(update("reading", "42"))
	bus.Emit(eventbus.Event{Type: eventbus.EventAgentStatus, Data: eventbus.AgentStatus{AgentID: "a"}})

	if len(w.points) != 3 {
		t.Fatalf("points = %d, want 3", len(w.points))
	}
	want := map[string]float64{"temp": 21.5, "on": 1, "off": 0}
	for _, p := range w.points {
		if p.Name() != Measurement {
			t.Errorf("measurement = %q", p.Name())
		}
		tags := make(map[string]string)
		for _, tag := range p.TagList() {
			tags[tag.Key] = tag.Value
		}
		if tags["entity_id"] != "room" || tags["source"] != string(model.SourceProtocol) {
			t.Errorf("tags = %v", tags)
		}
		fields := p.FieldList()
		if len(fields) != 1 || fields[0].Key != "value" {
			t.Fatalf("fields = %v", fields)
		}
		if fields[0].Value != want[tags["attribute"]] {
			t.Errorf("%s = %v, want %v", tags["attribute"], fields[0].Value, want[tags["attribute"]])
		}
	}

	s.Close()
	if w.flushes != 1 {
		t.Errorf("flushes = %d", w.flushes)
	}
	bus.Emit(update("temp", 22.0))
	if len(w.points) != 3 {
		t.Error("point written after close")
	}
	s.Close()
}

func TestPointKeepsEventTime(t *testing.T) {
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	ev := model.NewEvent(model.AttributeRef{EntityID: "e", Name: "n"}, 3, model.SourceUser)
	ev.Timestamp = ts
	p, ok := point(ev)
	if !ok {
		t.Fatal("integer value skipped")
	}
	if !p.Time().Equal(ts) {
		t.Errorf("time = %v", p.Time())
	}
}

func TestSinkDrainsWriteErrors(t *testing.T) {
	w := &fakeWriter{errs: make(chan error)}
	newSink(w, testLogger())

	done := make(chan struct{})
	go func() {
		w.errs <- errors.New("bucket not found")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("write error not drained")
	}
	close(w.errs)
}

func TestConnectDisabled(t *testing.T) {
	if _, err := Connect(Config{}, testLogger()); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v", err)
	}
}
