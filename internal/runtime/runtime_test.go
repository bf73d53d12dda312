package runtime

import (
	"errors"
	"testing"

	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/storage"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := Open("", WithStore(storage.NewMemory()))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func counterIncBody() ir.SExpr {
	return ir.Call("std.seq",
		ir.Call("std.let", ir.Str("current"), ir.Call("obj.get", ir.Call("std.this"), ir.Str("count"))),
		ir.Call("obj.set", ir.Call("std.this"), ir.Str("count"),
			ir.Call("math.add", ir.Call("std.var", ir.Str("current")), ir.Number(1))),
		ir.Call("obj.get", ir.Call("std.this"), ir.Str("count")),
	)
}

func TestCounterScenario(t *testing.T) {
	r := newTestRuntime(t)
	id, err := r.CreateEntity(map[string]any{"name": "C", "count": 0.0}, storage.NoPrototype)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddVerb(id, "inc", counterIncBody(), ""); err != nil {
		t.Fatal(err)
	}

	first, err := r.ExecuteVerb(id, "inc", nil, storage.NoPrototype)
	if err != nil {
		t.Fatal(err)
	}
	if first != 1.0 {
		t.Fatalf("first inc = %v, want 1", first)
	}

	second, err := r.ExecuteVerb(id, "inc", nil, storage.NoPrototype)
	if err != nil {
		t.Fatal(err)
	}
	if second != 2.0 {
		t.Fatalf("second inc = %v, want 2", second)
	}

	e, _, _ := r.GetEntity(id)
	if e.Props["count"] != 2.0 {
		t.Errorf("stored count = %v, want 2", e.Props["count"])
	}
}

func TestVerbCallScenario(t *testing.T) {
	r := newTestRuntime(t)
	id, err := r.CreateEntity(map[string]any{}, storage.NoPrototype)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddVerb(id, "helper", ir.Str("helper_result"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddVerb(id, "caller", ir.Call("call.invoke", ir.Call("std.this"), ir.Str("helper")), ""); err != nil {
		t.Fatal(err)
	}

	result, err := r.ExecuteVerb(id, "caller", nil, storage.NoPrototype)
	if err != nil {
		t.Fatal(err)
	}
	if result != "helper_result" {
		t.Errorf("result = %v, want \"helper_result\"", result)
	}
}

func TestCapabilityDenialScenario(t *testing.T) {
	r := newTestRuntime(t)
	a, _ := r.CreateEntity(map[string]any{}, storage.NoPrototype)
	b, _ := r.CreateEntity(map[string]any{"x": 0.0}, storage.NoPrototype)
	cEntity, _ := r.CreateEntity(map[string]any{}, storage.NoPrototype)

	if _, err := r.AddVerb(cEntity, "try_update", ir.Call("entity.update",
		ir.Number(float64(b)), ir.Obj(map[string]ir.SExpr{"x": ir.Number(1)})), ""); err != nil {
		t.Fatal(err)
	}

	capID, err := r.CreateCapability(a, "entity.control", map[string]any{"target_id": float64(b)})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.ExecuteVerb(cEntity, "try_update", nil, storage.NoPrototype)
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied before transfer, got %v", err)
	}

	if err := r.GiveCapability(capID, cEntity, a); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ExecuteVerb(cEntity, "try_update", nil, storage.NoPrototype); err != nil {
		t.Fatalf("update should succeed once C holds the capability: %v", err)
	}
	e, _, _ := r.GetEntity(b)
	if e.Props["x"] != 1.0 {
		t.Errorf("b.x = %v, want 1", e.Props["x"])
	}
}

func TestRequiredCapabilityOnVerbChecksCallerID(t *testing.T) {
	r := newTestRuntime(t)
	target, _ := r.CreateEntity(map[string]any{}, storage.NoPrototype)
	caller, _ := r.CreateEntity(map[string]any{}, storage.NoPrototype)

	if _, err := r.AddVerb(target, "guarded", ir.Str("secret"), "admin.access"); err != nil {
		t.Fatal(err)
	}

	_, err := r.ExecuteVerb(target, "guarded", nil, caller)
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied without the capability, got %v", err)
	}

	if _, err := r.CreateCapability(caller, "admin.access", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ExecuteVerb(target, "guarded", nil, caller); err != nil {
		t.Fatalf("expected success once caller holds admin.access: %v", err)
	}
}

func TestScheduleAndTick(t *testing.T) {
	r := newTestRuntime(t)
	id, _ := r.CreateEntity(map[string]any{"count": 0.0}, storage.NoPrototype)
	if _, err := r.AddVerb(id, "inc", counterIncBody(), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Schedule(id, "inc", nil, 0); err != nil {
		t.Fatal(err)
	}

	due, errs := r.Tick()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(due) != 1 {
		t.Fatalf("got %d due tasks, want 1", len(due))
	}
	e, _, _ := r.GetEntity(id)
	if e.Props["count"] != 1.0 {
		t.Errorf("count after tick = %v, want 1", e.Props["count"])
	}
}

func TestReentrancyBoundStopsRunawayRecursion(t *testing.T) {
	r := newTestRuntime(t)
	id, _ := r.CreateEntity(map[string]any{}, storage.NoPrototype)
	if _, err := r.AddVerb(id, "loop", ir.Call("call.invoke", ir.Call("std.this"), ir.Str("loop")), ""); err != nil {
		t.Fatal(err)
	}

	_, err := r.ExecuteVerb(id, "loop", nil, storage.NoPrototype)
	if !errors.Is(err, verrors.ErrStackOverflow) {
		t.Fatalf("expected StackOverflow, got %v", err)
	}
}
