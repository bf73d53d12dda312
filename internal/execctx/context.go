// Package execctx implements spec.md §4.5: a per-verb-activation host
// script state. A Context binds this/caller/args, installs every core
// and kernel global on a fresh goja runtime, evaluates compiled source,
// and converts the result back into JSON-compatible Go values. Every
// Context is used exactly once — Run tears its goja.Runtime down on
// every exit path, including panics, so no host-script state outlives
// a single verb activation (the "scoped acquisition" spec.md §5 asks for).
package execctx

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/rhizome-lab/viwo/internal/compiler"
	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/kernel"
	"github.com/rhizome-lab/viwo/internal/plugin"
	"github.com/rhizome-lab/viwo/internal/storage"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

// entityMarkerKey tags a JS object as standing in for an entity rather
// than a plain value, so obj.get/obj.set know to route through the
// Kernel (and its prototype-chain walk) instead of touching JS
// properties directly.
const entityMarkerKey = "__viwo_entity_id"

// Context is one verb activation.
type Context struct {
	kernel   *kernel.Kernel
	compiler *compiler.Compiler
	plugins  *plugin.Registry

	this     storage.Entity
	callerID storage.EntityID
	args     []any
	depth    int

	vm      *goja.Runtime
	trapped error
	now     func() time.Time // nil means time.Now
}

// New constructs a Context for a single verb activation. comp is the
// shared Compiler (it may carry plugin families installed by Runtime);
// depth is the current reentrancy depth, 0 for a top-level call. plugins
// may be nil, in which case no plugin opcodes are reachable from this
// activation.
func New(k *kernel.Kernel, comp *compiler.Compiler, plugins *plugin.Registry, this storage.Entity, callerID storage.EntityID, args []any, depth int) *Context {
	return &Context{kernel: k, compiler: comp, plugins: plugins, this: this, callerID: callerID, args: args, depth: depth}
}

// Run validates and compiles body, evaluates it in a fresh host-script
// state, and returns the JSON-compatible result (spec.md §4.5 steps
// 2-6). The goja.Runtime never survives past Run returning.
func (c *Context) Run(body ir.SExpr) (result any, err error) {
	if err := ir.Validate(body); err != nil {
		return nil, err
	}
	src, err := c.compiler.Compile(body)
	if err != nil {
		return nil, err
	}

	c.vm = goja.New()
	defer func() { c.vm = nil }()
	c.install()

	defer func() {
		if r := recover(); r != nil {
			if c.trapped != nil {
				err = c.trapped
				return
			}
			err = verrors.New(verrors.KindTypeError, fmt.Sprintf("host script panicked: %v", r))
		}
	}()

	val, runErr := c.vm.RunString(src)
	if runErr != nil {
		if c.trapped != nil {
			return nil, c.trapped
		}
		return nil, verrors.Wrap(verrors.KindTypeError, "host script evaluation failed", runErr)
	}
	return c.exportResult(val)
}

// throw records err as the authoritative failure and panics with a
// plain JS-visible value, per goja's documented pattern for raising an
// exception from a bound Go function. The top-level recover in Run
// prefers c.trapped over whatever text the JS exception carries, so
// callers always see the original structured error.
func (c *Context) throw(err error) {
	c.trapped = err
	panic(c.vm.ToValue(err.Error()))
}

// entityValue returns the tagged JS stand-in for an entity reference.
func (c *Context) entityValue(id storage.EntityID) goja.Value {
	return c.vm.ToValue(map[string]any{entityMarkerKey: float64(id)})
}

// asEntityID reports whether v is a tagged entity reference and, if
// so, its id.
func asEntityID(v goja.Value) (storage.EntityID, bool) {
	exported := v.Export()
	m, ok := exported.(map[string]any)
	if !ok {
		return 0, false
	}
	raw, ok := m[entityMarkerKey]
	if !ok {
		return 0, false
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	return storage.EntityID(f), true
}

// exportResult converts a goja.Value returned from evaluation into a
// plain JSON-compatible Go value (spec.md §4.5 step 5): booleans,
// float64 numbers, strings, []any, map[string]any, or nil. A value with
// no JSON shape (e.g. a function) is a TypeError.
func (c *Context) exportResult(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	exported := jsonNumbers(v.Export())
	if !isJSONCompatible(exported) {
		return nil, verrors.New(verrors.KindTypeError, "verb result is not a JSON-representable value")
	}
	return exported, nil
}

// jsonNumbers returns v with every int64 (goja's export of a whole JS
// number) converted to float64, copying lists and objects on the way.
func jsonNumbers(v any) any {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonNumbers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonNumbers(item)
		}
		return out
	}
	return v
}

func isJSONCompatible(v any) bool {
	switch t := v.(type) {
	case nil, bool, string:
		return true
	case int64, float64:
		return true
	case []any:
		for _, item := range t {
			if !isJSONCompatible(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range t {
			if !isJSONCompatible(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
