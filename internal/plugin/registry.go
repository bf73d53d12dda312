// Package plugin implements spec.md §4.7/§6.4: a process-wide registry
// of opcode names bound to native Go implementations, populated by
// dynamically loaded shared libraries through Go's standard "plugin"
// package. No ecosystem library in the corpus targets this concern —
// see DESIGN.md for why the stdlib mechanism was kept rather than
// replaced with a third-party one.
package plugin

import (
	"sync"

	"github.com/rhizome-lab/viwo/internal/compiler"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

// Version is the three-part plugin ABI version. A plugin is refused
// whenever its Major differs from the host's (spec.md §4.7).
type Version struct {
	Major int32
	Minor int32
	Patch int32
}

// HostFunc is the Go-native shape of a plugin-registered opcode: it
// receives already-JSON-decoded arguments and returns a JSON-compatible
// result. The plugin ABI's C-function-signature framing (spec.md §6.4)
// is the on-the-wire contract a shared library must expose; internally
// the host marshals straight to/from this Go shape so the rest of the
// core (the compiler's Gen hooks, execctx's globals) never touches the
// raw ABI.
type HostFunc func(args []any) (any, error)

// Registry is the process-wide map of opcode name → implementation.
// Registration happens once per plugin load; lookups happen on every
// verb activation that exercises a plugin opcode, so Lookup is
// optimized for concurrent readers (sync.RWMutex, following the same
// shape as the teacher's decorator registry).
type Registry struct {
	mu          sync.RWMutex
	funcs       map[string]HostFunc
	loaded      []*loadedPlugin
	hostVersion Version
}

type loadedPlugin struct {
	path    string
	cleanup func()
}

// NewRegistry returns an empty Registry that refuses plugins whose
// major version does not match hostVersion.Major.
func NewRegistry(hostVersion Version) *Registry {
	return &Registry{funcs: make(map[string]HostFunc), hostVersion: hostVersion}
}

// Register binds name ("<library>.<op>") to fn. Called back by a
// plugin's PluginInit entry point during Load; re-registering an
// existing name overwrites it (last load wins, matching how AddVerb
// treats existing (entity, name) pairs in storage).
func (r *Registry) Register(name string, fn HostFunc) error {
	if name == "" {
		return verrors.New(verrors.KindPlugin, "plugin registered an empty opcode name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
	return nil
}

// Lookup returns the registered function for name, if any.
func (r *Registry) Lookup(name string) (HostFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns every currently registered opcode name, grouped by
// nothing in particular — callers that need families-by-library should
// use Libraries instead.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	return names
}

// Libraries groups registered opcode names by their "<library>." prefix,
// for handing to compiler.Use as plugin Family entries.
func (r *Registry) Libraries() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for name := range r.funcs {
		lib, _, ok := cutLibrary(name)
		if !ok {
			continue
		}
		out[lib] = append(out[lib], name)
	}
	return out
}

// CompilerFamilies builds one compiler.Family per distinct library
// prefix currently registered, for handing to compiler.Compiler.Use.
// Plugin opcodes carry no compiler-known arity (the plugin itself is
// responsible for reporting a sensible error on a bad call), so every
// op is registered permissively (variadic, zero minimum).
func (r *Registry) CompilerFamilies() []compiler.Family {
	libs := r.Libraries()
	families := make([]compiler.Family, 0, len(libs))
	for lib, names := range libs {
		ops := make(map[string]compiler.OpSpec, len(names))
		for _, full := range names {
			_, op, ok := cutLibrary(full)
			if !ok {
				continue
			}
			ops[op] = compiler.OpSpec{Variadic: true, MinArgs: 0}
		}
		families = append(families, compiler.Family{Library: lib, Ops: ops})
	}
	return families
}

func cutLibrary(opcode string) (library, op string, ok bool) {
	for i := 0; i < len(opcode); i++ {
		if opcode[i] == '.' {
			return opcode[:i], opcode[i+1:], true
		}
	}
	return "", "", false
}

// Shutdown calls PluginCleanup on every loaded plugin, in load order,
// best-effort (spec.md §4.7: "must be idempotent" is the plugin's own
// obligation, not something the host can enforce).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.loaded {
		if p.cleanup != nil {
			p.cleanup()
		}
	}
	r.loaded = nil
}
