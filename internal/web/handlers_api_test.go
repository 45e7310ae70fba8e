package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"agent-gateway/internal/agent"
	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
	"agent-gateway/internal/store"
)

// echoProtocol connects immediately and records writes.
type echoProtocol struct {
	protocol.Base

	mu     sync.Mutex
	writes []any
}

func (p *echoProtocol) Name() string { return "echo" }

func (p *echoProtocol) Connect(s *protocol.Scope) error {
	s.SetStatus(status.Connected)
	return nil
}

func (p *echoProtocol) WriteAttribute(s *protocol.Scope, attr *model.Attribute, ev model.AttributeEvent, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, value)
	return nil
}

func (p *echoProtocol) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

type testEnv struct {
	srv    *Server
	db     *store.BoltStore
	bus    *eventbus.Bus
	agents *agent.Coordinator

	mu     sync.Mutex
	protos map[string]*echoProtocol
}

func (e *testEnv) proto(id string) *echoProtocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protos[id]
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, protos: make(map[string]*echoProtocol)}
	factories := agent.NewFactories()
	factories.Register("echo", func(a *model.Agent) (protocol.Protocol, error) {
		p := &echoProtocol{}
		env.mu.Lock()
		env.protos[a.ID] = p
		env.mu.Unlock()
		return p, nil
	})

	env.bus = eventbus.NewBus(logger)
	transport := eventbus.NewTransport(logger)
	t.Cleanup(transport.Close)
	env.agents = agent.New(db, factories, transport, env.bus, scheduler.NewManual(), logger)
	if err := env.agents.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(env.agents.Stop)

	env.srv = NewServer(env.agents, env.bus, logger, opts...)
	t.Cleanup(env.srv.Stop)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func TestAPIAgentCRUD(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/agents", `{"id":"a1","name":"Boiler","protocol":"echo"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID != "a1" || created.Status != string(status.Connected) {
		t.Errorf("created = %+v", created)
	}

	if w := env.do(t, "POST", "/api/agents", `{"id":"a1","protocol":"echo"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/agents", `{"protocol":"zwave"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown protocol status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/agents", `{"name":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing protocol status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/agents", "")
	var list []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["name"] != "Boiler" {
		t.Errorf("list = %v", list)
	}

	w = env.do(t, "PUT", "/api/agents/a1", `{"name":"Boiler 2","protocol":"echo","disabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body)
	}
	if st, _ := env.agents.AgentStatus("a1"); st != status.Disabled {
		t.Errorf("status after disabling = %s", st)
	}
	if w := env.do(t, "PUT", "/api/agents/nope", `{"protocol":"echo"}`); w.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d", w.Code)
	}

	if w := env.do(t, "DELETE", "/api/agents/a1", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/agents/a1", ""); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d", w.Code)
	}
}

func TestAPIAssetCRUD(t *testing.T) {
	env := setupTestServer(t)

	body := `{"id":"room","name":"Room","attributes":[{"name":"temp","type":"number","value":20}]}`
	if w := env.do(t, "POST", "/api/assets", body); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	if w := env.do(t, "POST", "/api/assets", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", w.Code)
	}
	dup := `{"name":"x","attributes":[{"name":"a"},{"name":"a"}]}`
	if w := env.do(t, "POST", "/api/assets", dup); w.Code != http.StatusBadRequest {
		t.Errorf("duplicate attribute status = %d", w.Code)
	}

	// Updating without a value keeps the stored one.
	w := env.do(t, "PUT", "/api/assets/room", `{"name":"Room","attributes":[{"name":"temp","type":"number"},{"name":"label"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body)
	}
	asset, err := env.db.GetAsset("room")
	if err != nil {
		t.Fatal(err)
	}
	if asset.Attribute("temp").Value != 20.0 {
		t.Errorf("temp = %v", asset.Attribute("temp").Value)
	}
	if asset.Attribute("label").Type != model.TypeAny {
		t.Errorf("default type = %q", asset.Attribute("label").Type)
	}

	if w := env.do(t, "PUT", "/api/assets/nope", `{}`); w.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/assets", ""); !bytes.Contains(w.Body.Bytes(), []byte(`"room"`)) {
		t.Errorf("list = %s", w.Body)
	}
	if w := env.do(t, "DELETE", "/api/assets/room", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/assets/room", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestAPIWriteAttribute(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, "POST", "/api/agents", `{"id":"a1","protocol":"echo"}`)
	env.do(t, "POST", "/api/assets", `{"id":"lamp","attributes":[
		{"name":"power","type":"boolean","meta":[{"name":"agentLink","value":"a1"}]},
		{"name":"label","type":"text"},
		{"name":"serial","type":"text","meta":[{"name":"readOnly","value":true}]}
	]}`)

	if w := env.do(t, "PUT", "/api/assets/lamp/attributes/power", `{"value":true}`); w.Code != http.StatusAccepted {
		t.Fatalf("linked write status = %d, body %s", w.Code, w.Body)
	}
	deadline := time.Now().Add(3 * time.Second)
	for env.proto("a1").count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.proto("a1").count() != 1 {
		t.Error("write not delivered to adapter")
	}

	if w := env.do(t, "PUT", "/api/assets/lamp/attributes/label", `{"value":"desk"}`); w.Code != http.StatusAccepted {
		t.Errorf("unlinked write status = %d", w.Code)
	}
	asset, _ := env.db.GetAsset("lamp")
	if asset.Attribute("label").Value != "desk" {
		t.Errorf("label = %v", asset.Attribute("label").Value)
	}

	if w := env.do(t, "PUT", "/api/assets/lamp/attributes/serial", `{"value":"x"}`); w.Code != http.StatusForbidden {
		t.Errorf("read-only write status = %d", w.Code)
	}
	if w := env.do(t, "PUT", "/api/assets/lamp/attributes/nope", `{"value":1}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown attribute status = %d", w.Code)
	}
	if w := env.do(t, "PUT", "/api/assets/lamp/attributes/label", `{bad`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
}

func TestAPIProtocolsAndVersion(t *testing.T) {
	env := setupTestServer(t, WithVersion("1.2.3"))

	w := env.do(t, "GET", "/api/protocols", "")
	var names []string
	json.Unmarshal(w.Body.Bytes(), &names)
	if len(names) != 1 || names[0] != "echo" {
		t.Errorf("protocols = %v", names)
	}

	w = env.do(t, "GET", "/api/version", "")
	if !strings.Contains(w.Body.String(), "1.2.3") {
		t.Errorf("version = %s", w.Body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"))

	if w := env.do(t, "GET", "/api/agents", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d", w.Code)
	}
	req := httptest.NewRequest("GET", "/api/agents", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key status = %d", w.Code)
	}
}

func TestAPIRateLimit(t *testing.T) {
	env := setupTestServer(t, WithRateLimit(60, 2))

	for i := range 2 {
		if w := env.do(t, "GET", "/api/version", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	if w := env.do(t, "GET", "/api/version", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("over limit status = %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/version", nil)
	req.RemoteAddr = "10.0.0.9:5000"
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d", w.Code)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://ui.local"}))

	req := httptest.NewRequest("POST", "/api/agents", strings.NewReader(`{"protocol":"echo"}`))
	req.Header.Set("Origin", "http://evil.local")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}

	req = httptest.NewRequest("OPTIONS", "/api/agents", nil)
	req.Header.Set("Origin", "http://ui.local")
	w = httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://ui.local" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
}

func TestWSStream(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, "POST", "/api/agents", `{"id":"a1","protocol":"echo"}`)

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first struct {
		Type string `json:"type"`
		Data struct {
			Statuses map[string]string `json:"statuses"`
		} `json:"data"`
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(data, &first)
	if first.Type != eventSnapshot || first.Data.Statuses["a1"] != string(status.Connected) {
		t.Errorf("snapshot = %s", data)
	}

	// The snapshot is queued before the client joins the stream, so it is
	// registered once the snapshot has been read.
	env.bus.Emit(eventbus.Event{Type: eventbus.EventAgentStatus, Data: eventbus.AgentStatus{AgentID: "a1", Status: "ERROR"}})
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"agent_status"`)) {
		t.Errorf("event = %s", data)
	}
}
