package kernel

import (
	"errors"
	"testing"

	"github.com/rhizome-lab/viwo/internal/scheduler"
	"github.com/rhizome-lab/viwo/internal/storage"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

func newTestKernel(t *testing.T) (*Kernel, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	sched := scheduler.New(store, nil)
	return New(store, sched), store
}

func TestUpdateBySelfSkipsCapabilityCheck(t *testing.T) {
	k, _ := newTestKernel(t)
	id, err := k.Create(map[string]any{"count": 0.0}, storage.NoPrototype)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Update(id, map[string]any{"count": 1.0}, id); err != nil {
		t.Fatalf("self-update should not require a capability: %v", err)
	}
}

func TestUpdateByOtherRequiresEntityControl(t *testing.T) {
	k, _ := newTestKernel(t)
	target, _ := k.Create(map[string]any{}, storage.NoPrototype)
	actor, _ := k.Create(map[string]any{}, storage.NoPrototype)

	err := k.Update(target, map[string]any{"x": 1.0}, actor)
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied without capability, got %v", err)
	}

	if _, err := k.CreateCapability(actor, "entity.control", map[string]any{"target_id": float64(target)}); err != nil {
		t.Fatal(err)
	}
	if err := k.Update(target, map[string]any{"x": 1.0}, actor); err != nil {
		t.Fatalf("update should succeed once actor holds entity.control: %v", err)
	}
}

func TestGiveCapabilityRequiresCurrentOwner(t *testing.T) {
	k, _ := newTestKernel(t)
	owner, _ := k.Create(map[string]any{}, storage.NoPrototype)
	impostor, _ := k.Create(map[string]any{}, storage.NoPrototype)
	newOwner, _ := k.Create(map[string]any{}, storage.NoPrototype)

	capID, err := k.CreateCapability(owner, "fs.read", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = k.GiveCapability(capID, newOwner, impostor)
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied for non-owner transfer, got %v", err)
	}

	if err := k.GiveCapability(capID, newOwner, owner); err != nil {
		t.Fatalf("owner-initiated transfer should succeed: %v", err)
	}
	cap, ok, err := k.store.GetCapability(capID)
	if err != nil || !ok {
		t.Fatalf("capability should still exist: %v %v", ok, err)
	}
	if cap.OwnerID != newOwner {
		t.Errorf("OwnerID = %d, want %d", cap.OwnerID, newOwner)
	}
}

type recordingInvoker struct {
	calls []struct {
		entity storage.EntityID
		verb   string
		caller storage.EntityID
		depth  int
	}
}

func (r *recordingInvoker) InvokeVerb(entity storage.EntityID, verb string, args []any, callerID storage.EntityID, depth int) (any, error) {
	r.calls = append(r.calls, struct {
		entity storage.EntityID
		verb   string
		caller storage.EntityID
		depth  int
	}{entity, verb, callerID, depth})
	return nil, nil
}

func TestCallPreservesCallerIDAndIncrementsDepth(t *testing.T) {
	k, _ := newTestKernel(t)
	inv := &recordingInvoker{}
	k.SetInvoker(inv)

	target, _ := k.Create(map[string]any{}, storage.NoPrototype)
	caller, _ := k.Create(map[string]any{}, storage.NoPrototype)

	if _, err := k.Call(target, "greet", nil, caller, 3); err != nil {
		t.Fatal(err)
	}
	if len(inv.calls) != 1 {
		t.Fatalf("expected exactly one nested invocation, got %d", len(inv.calls))
	}
	got := inv.calls[0]
	if got.caller != caller {
		t.Errorf("caller_id = %d, want %d (unchanged across nesting)", got.caller, caller)
	}
	if got.depth != 4 {
		t.Errorf("depth = %d, want 4", got.depth)
	}
}

func TestCallAtMaxDepthOverflows(t *testing.T) {
	k, _ := newTestKernel(t)
	k.SetInvoker(&recordingInvoker{})
	target, _ := k.Create(map[string]any{}, storage.NoPrototype)

	_, err := k.Call(target, "greet", nil, target, storage.MaxReentrancyDepth)
	if !errors.Is(err, verrors.ErrStackOverflow) {
		t.Fatalf("expected StackOverflow at max depth, got %v", err)
	}
}

func TestScheduleDelegatesToScheduler(t *testing.T) {
	k, _ := newTestKernel(t)
	target, _ := k.Create(map[string]any{}, storage.NoPrototype)
	id, err := k.Schedule(target, "ping", nil, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Error("expected nonzero task id")
	}
}
