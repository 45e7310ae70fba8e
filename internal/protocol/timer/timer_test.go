package timer

import (
	"errors"
	"log/slog"
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

type recorder struct {
	mu     sync.Mutex
	sent   []model.AttributeEvent
	sensor []model.AttributeEvent
	agent  *model.Agent
}

func (r *recorder) SendAttributeEvent(ev model.AttributeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ev)
}

func (r *recorder) UpdateAgent(a *model.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = a
	return nil
}

func (r *recorder) ApplyValueFilters(v any, f []convert.Filter) (any, error) {
	return convert.ApplyFilters(v, f)
}

func (r *recorder) PublishSensor(ev model.AttributeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensor = append(r.sensor, ev)
}

func (r *recorder) SubscribeActuator(string, func(model.AttributeEvent)) func() { return func() {} }

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func timerAgent(expr string) *model.Agent {
	return &model.Agent{ID: "t1", Protocol: Name, Config: map[string]any{
		ConfigCron:   expr,
		ConfigAction: map[string]any{"ref": map[string]any{"entityId": "lamp", "name": "power"}, "value": true},
	}}
}

func startTimer(t *testing.T, agent *model.Agent) (*protocol.Adapter, *Protocol, *recorder, *scheduler.Manual) {
	t.Helper()
	proto, _ := New(agent)
	p := proto.(*Protocol)
	exec := scheduler.NewManual()
	p.now = func() time.Time { return base.Add(exec.Elapsed()) }

	a := protocol.NewAdapter(agent, p, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	rec := &recorder{}
	if err := a.Start(protocol.Services{Executor: exec, Assets: rec, Events: rec}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop() })
	return a, p, rec, exec
}

func TestTimerFiresOnSchedule(t *testing.T) {
	a, p, rec, exec := startTimer(t, timerAgent("*/10 * * * * *"))
	if !a.Connect() {
		t.Fatal("connect failed")
	}
	if a.Status() != status.Connected {
		t.Errorf("status = %s", a.Status())
	}
	if want := base.Add(10 * time.Second); !p.Next().Equal(want) {
		t.Errorf("next = %v, want %v", p.Next(), want)
	}

	exec.Advance(35 * time.Second)
	if len(rec.sent) != 3 {
		t.Fatalf("fired %d times, want 3", len(rec.sent))
	}
	ev := rec.sent[0]
	if ev.Ref() != (model.AttributeRef{EntityID: "lamp", Name: "power"}) || ev.Value() != true {
		t.Errorf("event = %+v", ev)
	}

	a.Disconnect()
	exec.Advance(time.Minute)
	if len(rec.sent) != 3 {
		t.Error("timer fired after disconnect")
	}
}

func TestTimerActiveAttribute(t *testing.T) {
	a, p, rec, exec := startTimer(t, timerAgent("@every 1m"))
	a.Connect()

	active := &model.Attribute{Name: "active", Type: model.TypeBoolean}
	active.SetMeta(model.MetaTimerValue, ValueActive)
	asset := &model.Asset{ID: "sched"}
	if !a.LinkAttribute(asset, active) {
		t.Fatal("link failed")
	}
	if len(rec.sensor) != 1 || rec.sensor[0].Value() != true {
		t.Fatalf("linked value = %+v", rec.sensor)
	}

	ref := model.AttributeRef{EntityID: "sched", Name: "active"}
	a.ProcessLinkedAttributeWrite(model.NewEvent(ref, false, model.SourceUser))
	if p.Next() != (time.Time{}) {
		t.Error("paused timer still armed")
	}
	if rec.agent == nil || rec.agent.Config[ConfigActive] != false {
		t.Errorf("persisted agent = %+v", rec.agent)
	}
	exec.Advance(5 * time.Minute)
	if len(rec.sent) != 0 {
		t.Error("paused timer fired")
	}

	a.ProcessLinkedAttributeWrite(model.NewEvent(ref, true, model.SourceUser))
	exec.Advance(time.Minute)
	if len(rec.sent) != 1 {
		t.Errorf("resumed timer fired %d times", len(rec.sent))
	}
}

func TestTimerCronAttribute(t *testing.T) {
	a, p, rec, _ := startTimer(t, timerAgent("0 * * * *"))
	a.Connect()

	expr := &model.Attribute{Name: "cron", Type: model.TypeText}
	expr.SetMeta(model.MetaTimerValue, ValueCron)
	a.LinkAttribute(&model.Asset{ID: "sched"}, expr)
	ref := model.AttributeRef{EntityID: "sched", Name: "cron"}

	a.ProcessLinkedAttributeWrite(model.NewEvent(ref, "30 * * * *", model.SourceUser))
	if want := base.Add(30 * time.Minute); !p.Next().Equal(want) {
		t.Errorf("next = %v, want %v", p.Next(), want)
	}
	if rec.agent.Config[ConfigCron] != "30 * * * *" {
		t.Errorf("persisted cron = %v", rec.agent.Config[ConfigCron])
	}

	a.ProcessLinkedAttributeWrite(model.NewEvent(ref, "not cron", model.SourceUser))
	if rec.agent.Config[ConfigCron] != "30 * * * *" {
		t.Error("invalid expression persisted")
	}
}

func TestTimerLinkRejectsUnknownValue(t *testing.T) {
	a, _, _, _ := startTimer(t, timerAgent("@hourly"))
	attr := &model.Attribute{Name: "x", Type: model.TypeText}
	if a.LinkAttribute(&model.Asset{ID: "sched"}, attr) {
		t.Error("link without timerValue accepted")
	}
}

func TestTimerConfiguration(t *testing.T) {
	for name, agent := range map[string]*model.Agent{
		"bad cron":       timerAgent("every tuesday"),
		"missing action": {ID: "t", Config: map[string]any{ConfigCron: "@hourly"}},
	} {
		t.Run(name, func(t *testing.T) {
			p, _ := New(agent)
			a := protocol.NewAdapter(agent, p, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
			if err := a.Start(protocol.Services{Executor: scheduler.NewManual()}); !errors.Is(err, protocol.ErrConfiguration) {
				t.Errorf("err = %v", err)
			}
			if a.Status() != status.ErrorConfiguration {
				t.Errorf("status = %s", a.Status())
			}
		})
	}
}
