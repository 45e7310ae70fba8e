package httpclient

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

type recorder struct {
	mu     sync.Mutex
	sensor []model.AttributeEvent
}

func (r *recorder) SendAttributeEvent(model.AttributeEvent) {}
func (r *recorder) UpdateAgent(*model.Agent) error          { return nil }
func (r *recorder) ApplyValueFilters(v any, f []convert.Filter) (any, error) {
	return convert.ApplyFilters(v, f)
}

func (r *recorder) PublishSensor(ev model.AttributeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensor = append(r.sensor, ev)
}

func (r *recorder) SubscribeActuator(string, func(model.AttributeEvent)) func() { return func() {} }

func (r *recorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, ev := range r.sensor {
		out = append(out, ev.Value())
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
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

func start(t *testing.T, cfg map[string]any) (*protocol.Adapter, *recorder, *scheduler.Manual) {
	t.Helper()
	agent := &model.Agent{ID: "h1", Protocol: Name, Config: cfg}
	p, _ := New(agent)
	a := protocol.NewAdapter(agent, p, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	rec := &recorder{}
	exec := scheduler.NewManual()
	if err := a.Start(protocol.Services{Executor: exec, Assets: rec, Events: rec}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop() })
	a.Connect()
	return a, rec, exec
}

func TestHTTPPolling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/temp" || r.Header.Get("Authorization") != "Bearer t" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		hits.Add(1)
		io.WriteString(w, `{"temp":21.5}`)
	}))
	defer srv.Close()

	a, rec, exec := start(t, map[string]any{
		"baseURL": srv.URL + "/api/",
		"headers": map[string]any{"Authorization": "Bearer t"},
	})

	attr := &model.Attribute{Name: "temp", Type: model.TypeNumber}
	attr.SetMeta(model.MetaHTTPPath, "temp")
	attr.SetMeta(model.MetaPollingMillis, 1000)
	attr.SetMeta(model.MetaValueFilters, `[{"type":"jsonPath","path":"temp"}]`)
	if !a.LinkAttribute(&model.Asset{ID: "room"}, attr) {
		t.Fatal("link failed")
	}

	exec.RunPending()
	waitFor(t, func() bool { return len(rec.values()) == 1 })
	if got := rec.values()[0]; got != 21.5 {
		t.Errorf("value = %v", got)
	}

	waitFor(t, func() bool { _, ok := exec.NextDelay(); return ok })
	exec.Advance(time.Second)
	waitFor(t, func() bool { return len(rec.values()) == 2 })

	a.UnlinkAttribute(&model.Asset{ID: "room"}, attr)
	before := hits.Load()
	exec.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if hits.Load() != before {
		t.Error("polling continued after unlink")
	}
}

func TestHTTPWrite(t *testing.T) {
	type call struct{ method, path, body string }
	calls := make(chan call, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls <- call{r.Method, r.URL.Path, string(b)}
	}))
	defer srv.Close()

	a, _, _ := start(t, map[string]any{"baseURL": srv.URL})
	attr := &model.Attribute{Name: "level", Type: model.TypeNumber}
	attr.SetMeta(model.MetaHTTPPath, "/dim/{$value}")
	attr.SetMeta(model.MetaHTTPMethod, "put")
	a.LinkAttribute(&model.Asset{ID: "lamp"}, attr)

	a.ProcessLinkedAttributeWrite(model.NewEvent(model.AttributeRef{EntityID: "lamp", Name: "level"}, 40, model.SourceUser))
	select {
	case c := <-calls:
		if c.method != http.MethodPut || c.path != "/dim/40" || c.body != "40" {
			t.Errorf("call = %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no request")
	}
	if a.Status() != status.Connected {
		t.Errorf("status = %s", a.Status())
	}
}

func TestHTTPConfig(t *testing.T) {
	agent := &model.Agent{ID: "h", Config: map[string]any{"baseURL": "ftp://x"}}
	p, _ := New(agent)
	a := protocol.NewAdapter(agent, p, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err := a.Start(protocol.Services{}); !errors.Is(err, protocol.ErrConfiguration) {
		t.Errorf("err = %v", err)
	}
}

func TestStatusErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := do(t.Context(), srv.Client(), http.MethodGet, srv.URL, http.Header{}, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Errorf("err = %v", err)
	}
}
