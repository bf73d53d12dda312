// Package kernel is the only surface by which host-script activations
// mutate the world (spec.md §4.4). It wraps Storage with capability
// checks, reentrant verb invocation, and scheduling, and is the thing
// internal/execctx's installed globals ultimately call into.
package kernel

import (
	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/scheduler"
	"github.com/rhizome-lab/viwo/internal/storage"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

// VerbInvoker re-enters the runtime to execute a verb from inside a
// running verb activation. internal/runtime implements this; Kernel
// depends only on the interface to avoid an import cycle (runtime
// depends on kernel, not the reverse).
type VerbInvoker interface {
	InvokeVerb(entity storage.EntityID, verb string, args []any, callerID storage.EntityID, depth int) (any, error)
}

// Kernel is the privileged operation set. It holds no per-activation
// state; caller_id and depth are threaded through explicitly by
// internal/execctx on every call, per spec.md §4.5.
type Kernel struct {
	store     storage.Store
	scheduler *scheduler.Scheduler
	invoker   VerbInvoker
}

// New returns a Kernel bound to store/scheduler. SetInvoker must be
// called before Call is used — runtime wires itself in after
// construction to break the kernel→runtime import cycle.
func New(store storage.Store, sched *scheduler.Scheduler) *Kernel {
	return &Kernel{store: store, scheduler: sched}
}

// SetInvoker installs the reentrant call target. Runtime calls this
// once during its own construction.
func (k *Kernel) SetInvoker(inv VerbInvoker) { k.invoker = inv }

// Entity returns the entity by id, or (zero, false, nil) if absent.
func (k *Kernel) Entity(id storage.EntityID) (storage.Entity, bool, error) {
	return k.store.GetEntity(id)
}

// Create inserts a new entity and returns its id.
func (k *Kernel) Create(props map[string]any, proto storage.EntityID) (storage.EntityID, error) {
	return k.store.CreateEntity(props, proto)
}

// Update shallow-merges patch into id's props, requiring the caller to
// either be the target entity or hold an entity.control capability
// scoped to it (spec.md §4.4).
func (k *Kernel) Update(id storage.EntityID, patch map[string]any, callerID storage.EntityID) error {
	if callerID != id {
		if err := k.requireCapability(callerID, "entity.control", map[string]any{"target_id": float64(id)}); err != nil {
			return err
		}
	}
	return k.store.UpdateEntity(id, patch)
}

// Destroy removes an entity, refusing if anything still depends on it
// (storage enforces the referential-integrity check).
func (k *Kernel) Destroy(id storage.EntityID) error {
	return k.store.DestroyEntity(id)
}

// HasCapability reports whether entity holds a capability of capType
// satisfying params via the subset-match predicate.
func (k *Kernel) HasCapability(entity storage.EntityID, capType string, params map[string]any) (bool, error) {
	_, ok, err := k.store.FindCapability(entity, capType, params)
	return ok, err
}

// GetCapability returns one matching capability, or (zero, false, nil).
func (k *Kernel) GetCapability(entity storage.EntityID, capType string, params map[string]any) (storage.Capability, bool, error) {
	return k.store.FindCapability(entity, capType, params)
}

// GiveCapability transfers ownership of capID to newOwner, requiring
// the current owner to be callerID (spec.md §4.4).
func (k *Kernel) GiveCapability(capID string, newOwner storage.EntityID, callerID storage.EntityID) error {
	cap, ok, err := k.store.GetCapability(capID)
	if err != nil {
		return err
	}
	if !ok {
		return verrors.ErrEntityNotFound
	}
	if cap.OwnerID != callerID {
		return verrors.New(verrors.KindPermissionDenied, "capability not owned by caller").
			WithContext("cap_id", capID).WithContext("caller_id", callerID)
	}
	return k.store.GiveCapability(capID, newOwner)
}

// CreateCapability mints a new capability owned by owner.
func (k *Kernel) CreateCapability(owner storage.EntityID, capType string, params map[string]any) (string, error) {
	return k.store.CreateCapability(owner, capType, params)
}

// DestroyCapability removes a capability outright.
func (k *Kernel) DestroyCapability(capID string) error {
	return k.store.DestroyCapability(capID)
}

// Call reentrantly invokes entity.verb with the current caller_id
// preserved unchanged into the nested context (spec.md §4.4), bounded
// by MaxReentrancyDepth.
func (k *Kernel) Call(entity storage.EntityID, verb string, args []any, callerID storage.EntityID, depth int) (any, error) {
	if depth >= storage.MaxReentrancyDepth {
		return nil, verrors.ErrStackOverflow
	}
	if k.invoker == nil {
		return nil, verrors.New(verrors.KindStorage, "kernel has no invoker installed")
	}
	return k.invoker.InvokeVerb(entity, verb, args, callerID, depth+1)
}

// Schedule inserts a deferred task due after delayMs milliseconds.
func (k *Kernel) Schedule(entity storage.EntityID, verb string, args []any, delayMs int64) (int64, error) {
	return k.scheduler.Schedule(entity, verb, args, delayMs)
}

// Property resolves key on entity, walking the prototype chain exactly
// as storage.LookupProperty does. Used by execctx's obj.get global
// whenever the operand is an entity rather than a plain value.
func (k *Kernel) Property(entity storage.EntityID, key string) (any, bool, error) {
	e, ok, err := k.store.GetEntity(entity)
	if err != nil || !ok {
		return nil, false, err
	}
	return storage.LookupProperty(k.store, e, key)
}

// ResolveVerb exposes prototype-chain verb resolution to the VerbInvoker
// (internal/runtime), which needs an entity's verb body and
// required_capability before it can compile and run it.
func (k *Kernel) ResolveVerb(entity storage.Entity, name string) (storage.Verb, bool, error) {
	return storage.ResolveVerb(k.store, entity, name)
}

// ValidateVerbBody checks IR shape via ir.Validate. execctx's Run calls
// ir.Validate directly rather than going through this function.
func ValidateVerbBody(e ir.SExpr) error {
	return ir.Validate(e)
}

func (k *Kernel) requireCapability(holder storage.EntityID, capType string, params map[string]any) error {
	ok, err := k.HasCapability(holder, capType, params)
	if err != nil {
		return err
	}
	if !ok {
		return verrors.New(verrors.KindPermissionDenied, "missing required capability").
			WithContext("cap_type", capType).WithContext("holder", holder)
	}
	return nil
}
