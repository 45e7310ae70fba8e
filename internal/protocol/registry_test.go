package protocol

import (
	"testing"

	"agent-gateway/internal/model"
)

func TestRegistryDynamicFollowsLink(t *testing.T) {
	r := NewRegistry()
	ref := model.AttributeRef{EntityID: "a", Name: "x"}

	if r.MarkDynamic(ref) {
		t.Fatal("marked unlinked ref dynamic")
	}
	l := &Link{AssetID: "a"}
	if !r.PutIfAbsent(ref, l) {
		t.Fatal("put failed")
	}
	if r.PutIfAbsent(ref, &Link{}) {
		t.Error("second put succeeded")
	}
	if !r.MarkDynamic(ref) || !r.IsDynamic(ref) {
		t.Fatal("dynamic flag not set")
	}

	if r.RemoveIf(ref, &Link{}) {
		t.Error("removed with mismatching link")
	}
	if !r.RemoveIf(ref, l) {
		t.Fatal("remove failed")
	}
	if r.IsDynamic(ref) || r.Contains(ref) {
		t.Error("entry or flag survived removal")
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"a", "b", "c"} {
		ref := model.AttributeRef{EntityID: "e", Name: n}
		r.PutIfAbsent(ref, &Link{})
		r.MarkDynamic(ref)
	}
	if r.Len() != 3 || len(r.Refs()) != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	r.Clear()
	if r.Len() != 0 || r.IsDynamic(model.AttributeRef{EntityID: "e", Name: "a"}) {
		t.Error("clear left entries")
	}
}
