package storage

import (
	"testing"

	"github.com/rhizome-lab/viwo/internal/ir"
)

func newStores(t *testing.T) []Store {
	t.Helper()
	sqlStore, err := OpenSQL(":memory:")
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	return []Store{NewMemory(), sqlStore}
}

func TestPrototypeShadowing(t *testing.T) {
	for _, s := range newStores(t) {
		parent, err := s.CreateEntity(map[string]any{"color": "red", "shape": "square"}, NoPrototype)
		if err != nil {
			t.Fatal(err)
		}
		child, err := s.CreateEntity(map[string]any{"color": "blue"}, parent)
		if err != nil {
			t.Fatal(err)
		}
		childEnt, _, err := s.GetEntity(child)
		if err != nil {
			t.Fatal(err)
		}
		color, ok, err := LookupProperty(s, childEnt, "color")
		if err != nil || !ok || color != "blue" {
			t.Errorf("lookup(child,color) = %v, %v, want blue", color, ok)
		}
		shape, ok, err := LookupProperty(s, childEnt, "shape")
		if err != nil || !ok || shape != "square" {
			t.Errorf("lookup(child,shape) = %v, %v, want square", shape, ok)
		}
	}
}

func TestDestroyRefusesWithDependents(t *testing.T) {
	for _, s := range newStores(t) {
		parent, _ := s.CreateEntity(map[string]any{}, NoPrototype)
		_, err := s.CreateEntity(map[string]any{}, parent)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.DestroyEntity(parent); err == nil {
			t.Error("expected destroy to be refused due to prototype dependent")
		}

		loc, _ := s.CreateEntity(map[string]any{}, NoPrototype)
		_, err = s.CreateEntity(map[string]any{"location": loc}, NoPrototype)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.DestroyEntity(loc); err == nil {
			t.Error("expected destroy to be refused due to location dependent")
		}
	}
}

func TestUnsetMarkerDeletesOwnKeyAndResurfacesInherited(t *testing.T) {
	for _, s := range newStores(t) {
		parent, _ := s.CreateEntity(map[string]any{"name": "parent-name"}, NoPrototype)
		child, _ := s.CreateEntity(map[string]any{"name": "child-name"}, parent)

		if err := s.UpdateEntity(child, map[string]any{"name": UnsetMarker}); err != nil {
			t.Fatal(err)
		}
		childEnt, _, _ := s.GetEntity(child)
		name, ok, err := LookupProperty(s, childEnt, "name")
		if err != nil || !ok || name != "parent-name" {
			t.Errorf("after unset, lookup(child,name) = %v, %v, want parent-name", name, ok)
		}
	}
}

func TestVerbResolutionFollowsPrototypeChain(t *testing.T) {
	for _, s := range newStores(t) {
		parent, _ := s.CreateEntity(map[string]any{}, NoPrototype)
		child, _ := s.CreateEntity(map[string]any{}, parent)

		code := ir.Str("helper_result")
		if _, err := s.AddVerb(parent, "helper", code, ""); err != nil {
			t.Fatal(err)
		}
		childEnt, _, _ := s.GetEntity(child)
		v, ok, err := ResolveVerb(s, childEnt, "helper")
		if err != nil || !ok {
			t.Fatalf("ResolveVerb: ok=%v err=%v", ok, err)
		}
		if str, _ := v.Code.AsStr(); str != "helper_result" {
			t.Errorf("resolved verb code = %v, want helper_result", v.Code)
		}
	}
}

func TestCapabilitySubsetMatch(t *testing.T) {
	cap := Capability{
		Type:   "fs.read",
		Params: map[string]any{"path": "/home/user", "recursive": true},
	}
	if !Permits(cap, "fs.read", map[string]any{"path": "/home/user"}) {
		t.Error("expected subset match to permit")
	}
	if Permits(cap, "fs.read", map[string]any{"path": "/home/user", "execute": true}) {
		t.Error("expected missing key to deny")
	}
	if Permits(cap, "fs.write", map[string]any{"path": "/home/user"}) {
		t.Error("expected type mismatch to deny")
	}
}

func TestGiveCapabilityAtomicOwnerSwap(t *testing.T) {
	for _, s := range newStores(t) {
		a, _ := s.CreateEntity(map[string]any{}, NoPrototype)
		b, _ := s.CreateEntity(map[string]any{}, NoPrototype)
		capID, err := s.CreateCapability(a, "entity.control", map[string]any{"target_id": float64(b)})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.GiveCapability(capID, b); err != nil {
			t.Fatal(err)
		}
		c, ok, err := s.GetCapability(capID)
		if err != nil || !ok || c.OwnerID != b {
			t.Errorf("owner after give = %v, want %v", c.OwnerID, b)
		}
	}
}

func TestSchedulerOrdering(t *testing.T) {
	for _, s := range newStores(t) {
		e, _ := s.CreateEntity(map[string]any{}, NoPrototype)
		id1, _ := s.CreateTask(e, "v1", nil, 1000)
		id2, _ := s.CreateTask(e, "v2", nil, 1000)
		_, _ = s.CreateTask(e, "v3", nil, 3_600_000)

		due, err := s.ProcessDue(1000)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 2 {
			t.Fatalf("ProcessDue returned %d tasks, want 2", len(due))
		}
		if due[0].ID != id1 || due[1].ID != id2 {
			t.Errorf("ProcessDue order = [%d,%d], want [%d,%d]", due[0].ID, due[1].ID, id1, id2)
		}

		due2, err := s.ProcessDue(4_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if len(due2) != 1 || due2[0].Verb != "v3" {
			t.Errorf("second ProcessDue = %v, want single v3 task", due2)
		}
	}
}
