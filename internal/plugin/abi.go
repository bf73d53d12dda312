package plugin

import (
	"fmt"
	goplugin "plugin"

	"github.com/rhizome-lab/viwo/internal/verrors"
)

// Exported symbol names every plugin shared library must provide
// (spec.md §6.4). These are looked up by name via the stdlib plugin
// package's reflection-based Lookup, not by any C calling convention —
// Go plugins are themselves Go code, so the "C-compatible interface"
// spec.md describes is realized here as a fixed Go symbol contract
// instead of a literal cgo ABI.
const (
	SymbolVersion = "Version"
	SymbolInit    = "PluginInit"
	SymbolCleanup = "PluginCleanup"
)

// RegisterFunc is the callback a plugin's PluginInit receives, mirroring
// spec.md §4.7's "register(name, fn) -> int32": zero on success,
// non-zero if the name could not be registered.
type RegisterFunc func(name string, fn HostFunc) int32

// InitFunc is the signature a plugin's exported PluginInit symbol must
// have. Note that a plugin's actual exported func (e.g. echoplugin's
// `func PluginInit(register viwoplugin.RegisterFunc) int32`) comes back
// from plugin.Lookup with the unnamed type func(RegisterFunc) int32, not
// this named type — InitFunc documents the shape for readers, but
// bind below must assert to the unnamed signature directly,
// since Go's type identity rules never equate a named func type with an
// unnamed one of the same signature.
type InitFunc func(register RegisterFunc) int32

// CleanupFunc is the signature a plugin's exported PluginCleanup symbol
// must have. Same caveat as InitFunc: asserted against as unnamed func().
type CleanupFunc func()

// symbolLookup is the subset of *goplugin.Plugin's behavior Load needs,
// factored out so the version/init/cleanup binding logic below can be
// exercised by a test double without an OS-loaded .so file.
type symbolLookup interface {
	Lookup(symName string) (goplugin.Symbol, error)
}

// Load opens the shared library at path, checks its Version symbol
// against the registry's host version, and calls its PluginInit entry
// point. A plugin's Major version must equal the host's exactly; Minor
// and Patch are informational only (spec.md §4.7).
func (r *Registry) Load(path string) error {
	p, err := goplugin.Open(path)
	if err != nil {
		return verrors.Wrap(verrors.KindPlugin, "failed to open plugin", err).WithContext("path", path)
	}
	return r.bind(path, p)
}

// bind performs the symbol lookup and binding steps against any
// symbolLookup, so abi_test.go can cover this logic with a fake that
// returns the same unnamed func values plugin.Lookup would.
func (r *Registry) bind(path string, p symbolLookup) error {
	verSym, err := p.Lookup(SymbolVersion)
	if err != nil {
		return verrors.Wrap(verrors.KindPlugin, "plugin missing Version symbol", err).WithContext("path", path)
	}
	ver, ok := verSym.(*Version)
	if !ok {
		return verrors.New(verrors.KindPlugin, "plugin Version symbol has the wrong type").WithContext("path", path)
	}
	if ver.Major != r.hostVersion.Major {
		return verrors.New(verrors.KindPlugin, "plugin major version mismatch").
			WithContext("path", path).
			WithContext("plugin_version", fmt.Sprintf("%d.%d.%d", ver.Major, ver.Minor, ver.Patch)).
			WithContext("host_version", fmt.Sprintf("%d.%d.%d", r.hostVersion.Major, r.hostVersion.Minor, r.hostVersion.Patch))
	}

	initSym, err := p.Lookup(SymbolInit)
	if err != nil {
		return verrors.Wrap(verrors.KindPlugin, "plugin missing PluginInit symbol", err).WithContext("path", path)
	}
	// initSym's dynamic type is the unnamed signature of the plugin's
	// exported func, e.g. func(viwoplugin.RegisterFunc) int32 — never the
	// named InitFunc, which would never match.
	initFn, ok := initSym.(func(RegisterFunc) int32)
	if !ok {
		return verrors.New(verrors.KindPlugin, "plugin PluginInit symbol has the wrong type").WithContext("path", path)
	}

	var registerErr error
	code := initFn(func(name string, fn HostFunc) int32 {
		if err := r.Register(name, fn); err != nil {
			registerErr = err
			return 1
		}
		return 0
	})
	if registerErr != nil {
		return registerErr
	}
	if code != 0 {
		return verrors.New(verrors.KindPlugin, "plugin_init returned failure").
			WithContext("path", path).WithContext("code", code)
	}

	var cleanup func()
	if cleanupSym, err := p.Lookup(SymbolCleanup); err == nil {
		if cleanupFn, ok := cleanupSym.(func()); ok {
			cleanup = cleanupFn
		}
	}

	r.mu.Lock()
	r.loaded = append(r.loaded, &loadedPlugin{path: path, cleanup: cleanup})
	r.mu.Unlock()
	return nil
}
