// Package runtime is the top-level object spec.md §2 describes: it owns
// storage, the scheduler, the compiler, and the plugin registry, and is
// the entry point for "execute verb V on entity E". Everything else in
// the core (Kernel, execctx) is wired together here.
package runtime

import (
	"log/slog"

	"github.com/rhizome-lab/viwo/internal/compiler"
	"github.com/rhizome-lab/viwo/internal/execctx"
	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/kernel"
	"github.com/rhizome-lab/viwo/internal/plugin"
	"github.com/rhizome-lab/viwo/internal/scheduler"
	"github.com/rhizome-lab/viwo/internal/storage"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

// HostVersion is this build's plugin ABI version (spec.md §4.7); a
// plugin is refused unless its Major matches.
var HostVersion = plugin.Version{Major: 1, Minor: 0, Patch: 0}

// Runtime wires storage, scheduler, compiler, kernel, and the plugin
// registry into the single entry point embedding hosts call.
type Runtime struct {
	store     storage.Store
	scheduler *scheduler.Scheduler
	kernel    *kernel.Kernel
	compiler  *compiler.Compiler
	plugins   *plugin.Registry
	log       *slog.Logger
}

// Option configures a Runtime at construction time.
type Option func(*Runtime)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithStore overrides the default SQLite-backed store — tests use this
// to run against storage.NewMemory() instead of a file on disk.
func WithStore(store storage.Store) Option {
	return func(r *Runtime) { r.store = store }
}

// Open constructs a Runtime backed by a SQLite database at dbPath,
// unless WithStore overrides it. Storage, scheduler, compiler, and
// kernel are all built here; Kernel.SetInvoker wires the reentrancy
// callback back onto this Runtime once construction completes, which
// is what lets call.invoke re-enter ExecuteVerb without an import cycle
// between internal/kernel and internal/runtime.
func Open(dbPath string, opts ...Option) (*Runtime, error) {
	r := &Runtime{log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	if r.store == nil {
		store, err := storage.OpenSQL(dbPath)
		if err != nil {
			return nil, verrors.Wrap(verrors.KindStorage, "failed to open store", err)
		}
		r.store = store
	}

	r.scheduler = scheduler.New(r.store, r.log)
	r.plugins = plugin.NewRegistry(HostVersion)
	r.compiler = compiler.New()
	r.kernel = kernel.New(r.store, r.scheduler)
	r.kernel.SetInvoker(r)

	return r, nil
}

// LoadPlugin opens a shared library and registers its opcodes, then
// extends the compiler with a Family covering every library prefix the
// plugin registry now knows about (idempotent — re-registering the same
// library just replaces its Family).
func (r *Runtime) LoadPlugin(path string) error {
	if err := r.plugins.Load(path); err != nil {
		return err
	}
	r.compiler = compiler.New()
	for _, f := range r.plugins.CompilerFamilies() {
		r.compiler.Use(f)
	}
	return nil
}

// ExecuteVerb runs entity's verb named name with args, as the top-level
// entry point a transport layer calls (spec.md §6.2). callerID defaults
// to entity's own id when zero, matching the Execution Context default
// (spec.md §4.5).
func (r *Runtime) ExecuteVerb(entity storage.EntityID, name string, args []any, callerID storage.EntityID) (any, error) {
	if callerID == storage.NoPrototype {
		callerID = entity
	}
	return r.InvokeVerb(entity, name, args, callerID, 0)
}

// InvokeVerb implements kernel.VerbInvoker: it resolves the verb
// (walking the prototype chain), checks its required_capability if any,
// compiles its body, and runs it in a fresh Execution Context. Both the
// top-level ExecuteVerb and every nested call.invoke from inside a
// running verb pass through here.
func (r *Runtime) InvokeVerb(entity storage.EntityID, name string, args []any, callerID storage.EntityID, depth int) (any, error) {
	e, ok, err := r.store.GetEntity(entity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, verrors.ErrEntityNotFound
	}

	verb, ok, err := r.kernel.ResolveVerb(e, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, verrors.ErrVerbNotFound
	}

	if verb.RequiredCapability != "" {
		has, err := r.kernel.HasCapability(callerID, verb.RequiredCapability, nil)
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, verrors.New(verrors.KindPermissionDenied, "verb requires a capability the caller does not hold").
				WithContext("verb", name).WithContext("required_capability", verb.RequiredCapability)
		}
	}

	ctx := execctx.New(r.kernel, r.compiler, r.plugins, e, callerID, args, depth)
	return ctx.Run(verb.Code)
}

// Schedule inserts a deferred invocation of entity.verb(args) delayMs
// from now.
func (r *Runtime) Schedule(entity storage.EntityID, verb string, args []any, delayMs int64) (int64, error) {
	return r.scheduler.Schedule(entity, verb, args, delayMs)
}

// Tick atomically drains every currently-due scheduled task and
// executes each in turn, continuing past individual failures (a failed
// task is simply dropped — spec.md §4.6 leaves re-scheduling to caller
// policy). It returns every task it drained, succeeded or not, together
// with the errors of the tasks that failed; the two slices are not
// aligned by index.
func (r *Runtime) Tick() ([]storage.ScheduledTask, []error) {
	due, err := r.scheduler.Process()
	if err != nil {
		return nil, []error{err}
	}
	var errs []error
	for _, task := range due {
		if _, err := r.ExecuteVerb(task.EntityID, task.Verb, task.Args, task.EntityID); err != nil {
			r.log.Error("scheduled task failed", "task_id", task.ID, "entity_id", task.EntityID, "verb", task.Verb, "error", err)
			errs = append(errs, err)
		}
	}
	return due, errs
}

// CreateEntity, GetEntity, AddVerb, and CreateCapability expose the
// storage-shaped setup operations embedding hosts need before they can
// call ExecuteVerb — thin passthroughs to Kernel, kept here so callers
// only need to import this package.

func (r *Runtime) CreateEntity(props map[string]any, proto storage.EntityID) (storage.EntityID, error) {
	return r.kernel.Create(props, proto)
}

func (r *Runtime) GetEntity(id storage.EntityID) (storage.Entity, bool, error) {
	return r.kernel.Entity(id)
}

func (r *Runtime) AddVerb(entity storage.EntityID, name string, code ir.SExpr, requiredCapability string) (int64, error) {
	return r.store.AddVerb(entity, name, code, requiredCapability)
}

func (r *Runtime) CreateCapability(owner storage.EntityID, capType string, params map[string]any) (string, error) {
	return r.kernel.CreateCapability(owner, capType, params)
}

func (r *Runtime) GiveCapability(capID string, newOwner, callerID storage.EntityID) error {
	return r.kernel.GiveCapability(capID, newOwner, callerID)
}

// Close releases plugin resources only. It does not close the store:
// storage.Store has no Close method, so a SQLite store built by Open
// keeps its connection pool open after Close returns.
func (r *Runtime) Close() {
	r.plugins.Shutdown()
}
