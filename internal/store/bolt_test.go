package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agent-gateway/internal/model"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetAgent(t *testing.T) {
	s := newTestStore(t)

	agent := &model.Agent{
		ID:       "a1",
		Name:     "Boiler",
		Protocol: "tcp",
		Config:   map[string]any{"host": "10.0.0.5", "port": 4001, "messageDelimiter": "\r\n"},
	}
	if err := s.SaveAgent(agent); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Boiler" || got.Protocol != "tcp" {
		t.Errorf("agent = %+v", got)
	}
	if got.ConfigString("host", "") != "10.0.0.5" {
		t.Errorf("host = %v", got.Config["host"])
	}
	if got.ConfigInt("port", 0) != 4001 {
		t.Errorf("port = %v", got.Config["port"])
	}
}

func TestDeleteAgent(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveAgent(&model.Agent{ID: "a1", Protocol: "udp"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAgent("a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAgent("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	if err := s.DeleteAgent("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestListAssets(t *testing.T) {
	s := newTestStore(t)

	ids := []string{"kitchen", "hall", "garage"}
	for _, id := range ids {
		if err := s.SaveAsset(&model.Asset{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListAssets()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, a := range list {
		found[a.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			t.Errorf("asset %s not in list", id)
		}
	}
}

func TestUpdateAttribute(t *testing.T) {
	s := newTestStore(t)

	asset := &model.Asset{ID: "room", Attributes: []*model.Attribute{
		{Name: "temp", Type: model.TypeNumber, Meta: []model.MetaItem{{Name: model.MetaAgentLink, Value: "a1"}}},
	}}
	if err := s.SaveAsset(asset); err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpdateAttribute(model.AttributeRef{EntityID: "room", Name: "temp"}, 21.5, ts); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAsset("room")
	if err != nil {
		t.Fatal(err)
	}
	attr := got.Attribute("temp")
	if attr.Value != 21.5 || !attr.Timestamp.Equal(ts) {
		t.Errorf("attribute = %+v", attr)
	}
	if attr.AgentID() != "a1" {
		t.Errorf("meta lost: %+v", attr.Meta)
	}

	err = s.UpdateAttribute(model.AttributeRef{EntityID: "room", Name: "humidity"}, 40, ts)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown attribute: %v", err)
	}
	err = s.UpdateAttribute(model.AttributeRef{EntityID: "cellar", Name: "temp"}, 10, ts)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown asset: %v", err)
	}
}

func TestUpdateAssetAbortsOnError(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveAsset(&model.Asset{ID: "x", Name: "before"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := s.UpdateAsset("x", func(a *model.Asset) error {
		a.Name = "after"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := s.GetAsset("x")
	if got.Name != "before" {
		t.Errorf("name = %q, update not rolled back", got.Name)
	}
}

func TestSeeded(t *testing.T) {
	s := newTestStore(t)

	seeded, err := s.Seeded()
	if err != nil || seeded {
		t.Fatalf("fresh store seeded = %v, %v", seeded, err)
	}
	if err := s.MarkSeeded("agents.yaml"); err != nil {
		t.Fatal(err)
	}
	if seeded, _ := s.Seeded(); !seeded {
		t.Error("seeded = false after MarkSeeded")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Errorf("ids %q %q", a, b)
	}
}
