package execctx

import (
	"errors"
	"testing"

	"github.com/rhizome-lab/viwo/internal/compiler"
	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/kernel"
	"github.com/rhizome-lab/viwo/internal/scheduler"
	"github.com/rhizome-lab/viwo/internal/storage"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

type fixture struct {
	store storage.Store
	k     *kernel.Kernel
	comp  *compiler.Compiler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	sched := scheduler.New(store, nil)
	k := kernel.New(store, sched)
	return &fixture{store: store, k: k, comp: compiler.New()}
}

func (f *fixture) run(t *testing.T, this storage.Entity, callerID storage.EntityID, args []any, body ir.SExpr) (any, error) {
	t.Helper()
	ctx := New(f.k, f.comp, nil, this, callerID, args, 0)
	return ctx.Run(body)
}

func TestCounterVerbIncrementsAndPersists(t *testing.T) {
	f := newFixture(t)
	id, err := f.k.Create(map[string]any{"count": 0.0}, storage.NoPrototype)
	if err != nil {
		t.Fatal(err)
	}
	entity, _, _ := f.store.GetEntity(id)

	body := ir.Call("std.seq",
		ir.Call("std.let", ir.Str("current"), ir.Call("obj.get", ir.Call("std.this"), ir.Str("count"))),
		ir.Call("obj.set", ir.Call("std.this"), ir.Str("count"),
			ir.Call("math.add", ir.Call("std.var", ir.Str("current")), ir.Number(1))),
		ir.Call("obj.get", ir.Call("std.this"), ir.Str("count")),
	)

	result, err := f.run(t, entity, id, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if result != 1.0 {
		t.Errorf("result = %v, want 1", result)
	}

	updated, _, _ := f.store.GetEntity(id)
	if updated.Props["count"] != 1.0 {
		t.Errorf("persisted count = %v, want 1", updated.Props["count"])
	}
}

func TestStdArgReturnsNullWhenAbsent(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	result, err := f.run(t, entity, id, []any{"only-one"}, ir.Call("std.arg", ir.Number(5)))
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("result = %v, want nil", result)
	}
}

func TestMathDivByZero(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	_, err := f.run(t, entity, id, nil, ir.Call("math.div", ir.Number(1), ir.Number(0)))
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindDivByZero {
		t.Fatalf("expected DivByZero, got %v", err)
	}
}

func TestMathModFollowsDividendSign(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	result, err := f.run(t, entity, id, nil, ir.Call("math.mod", ir.Number(-7), ir.Number(3)))
	if err != nil {
		t.Fatal(err)
	}
	if result != -1.0 {
		t.Errorf("result = %v, want -1", result)
	}
}

func TestStrLengthCountsCodepointsNotBytes(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	result, err := f.run(t, entity, id, nil, ir.Call("str.length", ir.Str("héllo")))
	if err != nil {
		t.Fatal(err)
	}
	if result != 5.0 {
		t.Errorf("result = %v, want 5", result)
	}
}

func TestStrSubstrNegativeStartCountsFromEnd(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	result, err := f.run(t, entity, id, nil, ir.Call("str.substr", ir.Str("hello"), ir.Number(-3), ir.Number(2)))
	if err != nil {
		t.Fatal(err)
	}
	if result != "ll" {
		t.Errorf("result = %q, want \"ll\"", result)
	}
}

func TestStdIfRequiresStrictBoolean(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	_, err := f.run(t, entity, id, nil, ir.Call("std.if", ir.Number(1), ir.Str("yes"), ir.Str("no")))
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindTypeError {
		t.Fatalf("expected TypeError for non-boolean condition, got %v", err)
	}
}

func TestStdIfOnlyEvaluatesTakenBranch(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	body := ir.Call("std.if", ir.Bool(true), ir.Str("then"), ir.Call("math.div", ir.Number(1), ir.Number(0)))
	result, err := f.run(t, entity, id, nil, body)
	if err != nil {
		t.Fatalf("else branch must not be evaluated: %v", err)
	}
	if result != "then" {
		t.Errorf("result = %v, want \"then\"", result)
	}
}

func TestStdVarUndefinedVariable(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	_, err := f.run(t, entity, id, nil, ir.Call("std.var", ir.Str("nope")))
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindUndefinedVar {
		t.Fatalf("expected UndefinedVar, got %v", err)
	}
}

func TestEntityUpdateByNonOwnerWithoutCapabilityIsDenied(t *testing.T) {
	f := newFixture(t)
	target, _ := f.k.Create(map[string]any{"x": 0.0}, storage.NoPrototype)
	actor, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	actorEntity, _, _ := f.store.GetEntity(actor)

	body := ir.Call("entity.update", ir.Number(float64(target)), ir.Obj(map[string]ir.SExpr{"x": ir.Number(1)}))
	_, err := f.run(t, actorEntity, actor, nil, body)
	var ve *verrors.ViwoError
	if !errors.As(err, &ve) || ve.Kind != verrors.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestVerbCallReentersAndReturnsHelperResult(t *testing.T) {
	f := newFixture(t)
	id, _ := f.k.Create(map[string]any{}, storage.NoPrototype)
	entity, _, _ := f.store.GetEntity(id)

	helperBody := ir.Str("helper_result")
	if _, err := f.store.AddVerb(id, "helper", helperBody, ""); err != nil {
		t.Fatal(err)
	}

	invoker := &literalInvoker{k: f.k, comp: f.comp, store: f.store}
	f.k.SetInvoker(invoker)

	body := ir.Call("call.invoke", ir.Number(float64(id)), ir.Str("helper"))
	result, err := f.run(t, entity, id, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if result != "helper_result" {
		t.Errorf("result = %v, want \"helper_result\"", result)
	}
}

// literalInvoker is a minimal kernel.VerbInvoker: it looks the verb up
// via prototype resolution and runs it through a fresh Context, exactly
// as internal/runtime.Runtime does, without pulling in that package
// and its import of kernel (which would cycle).
type literalInvoker struct {
	k     *kernel.Kernel
	comp  *compiler.Compiler
	store storage.Store
}

func (l *literalInvoker) InvokeVerb(entity storage.EntityID, verb string, args []any, callerID storage.EntityID, depth int) (any, error) {
	e, ok, err := l.store.GetEntity(entity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, verrors.ErrEntityNotFound
	}
	v, ok, err := l.k.ResolveVerb(e, verb)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, verrors.ErrVerbNotFound
	}
	ctx := New(l.k, l.comp, nil, e, callerID, args, depth)
	return ctx.Run(v.Code)
}
