// Package compiler translates validated IR (internal/ir) into host-script
// (JavaScript, evaluated by goja — see internal/execctx) source, dispatching
// by opcode family exactly as spec.md §4.2 describes: each family is tried
// in a fixed order, and the first to claim the call's library prefix
// either compiles it or reports an unknown opcode within that library.
package compiler

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

// GlobalName returns the host-script global name an opcode is bound to:
// "__viwo_<library>_<op>", dots replaced with underscores, per spec.md
// §4.4's "Host-script binding convention". The core compiler applies this
// convention uniformly to every opcode (not just kernel/plugin ones) so
// there is exactly one naming rule to remember.
func GlobalName(opcode string) string {
	return "__viwo_" + strings.ReplaceAll(opcode, ".", "_")
}

// OpSpec describes one opcode's arity within its family, used to raise
// InvalidArgCount precisely instead of deferring everything to the
// runtime.
type OpSpec struct {
	Op       string // the part after "<library>."
	Variadic bool   // true: MinArgs is a floor, not an exact count
	MinArgs  int
	MaxArgs  int // 0 means "== MinArgs" when !Variadic; ignored when Variadic

	// Gen, when set, overrides the default "__viwo_family_op(arg1,arg2,...)"
	// codegen. It receives the already-compiled argument expressions and
	// returns the full host-script expression. Needed wherever the host
	// global alone can't see context the generic eager call wouldn't carry
	// — lazy branches (std.if must not evaluate both arms), lexical scope
	// access (std.let/std.var thread __scope), or kernel ops that need the
	// current caller/depth implicitly (call.invoke, entity.update, cap.give).
	Gen func(opcode string, compiledArgs []string) string
}

// Family is one opcode library's codegen module. Families are tried in
// the order registered with Compiler.Use; the first whose Library matches
// the call's "<library>." prefix claims it.
type Family struct {
	Library string
	Ops     map[string]OpSpec
}

func (f Family) claims(library string) bool { return f.Library == library }

// Compiler dispatches validated IR to host-script source across an
// ordered list of families. Core families (std/math/str/list/obj/bool/time)
// and kernel families (entity/cap/call/schedule) are registered by
// New; plugin families are added at runtime via Use, preserving
// load order (spec.md §4.7, §9 "closed set plus a plugin-extensible open set").
type Compiler struct {
	families []Family
}

// New returns a Compiler with the core and kernel families pre-registered.
func New() *Compiler {
	c := &Compiler{}
	for _, f := range coreFamilies() {
		c.Use(f)
	}
	for _, f := range kernelFamilies() {
		c.Use(f)
	}
	return c
}

// Use registers an additional family (used by the plugin loader to add
// plugin-provided opcode libraries without recompiling the core).
func (c *Compiler) Use(f Family) {
	c.families = append(c.families, f)
}

// Compile translates a validated verb body into a host-script expression
// string. The caller (internal/execctx) evaluates the result as-is, after
// installing __this/__caller/__args/__scope/__depth as globals.
func (c *Compiler) Compile(e ir.SExpr) (string, error) {
	switch e.ValueKind() {
	case ir.KindNull:
		return "null", nil
	case ir.KindBool:
		v, _ := e.AsBool()
		if v {
			return "true", nil
		}
		return "false", nil
	case ir.KindNumber:
		v, _ := e.AsNumber()
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case ir.KindString:
		v, _ := e.AsStr()
		return jsonString(v), nil
	case ir.KindObject:
		obj, _ := e.AsObject()
		return c.compileObject(obj)
	case ir.KindList:
		if e.IsCall() {
			return c.compileCall(e)
		}
		items, _ := e.AsList()
		return c.compileArray(items)
	default:
		return "", verrors.New(verrors.KindValidation, "unrecognized SExpr kind during compilation")
	}
}

func (c *Compiler) compileArray(items []ir.SExpr) (string, error) {
	parts := make([]string, len(items))
	for i, it := range items {
		js, err := c.Compile(it)
		if err != nil {
			return "", err
		}
		parts[i] = js
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

func (c *Compiler) compileObject(obj map[string]ir.SExpr) (string, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		js, err := c.Compile(obj[k])
		if err != nil {
			return "", err
		}
		parts = append(parts, jsonString(k)+":"+js)
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

func (c *Compiler) compileCall(e ir.SExpr) (string, error) {
	opcode := e.Opcode()
	if opcode == "" {
		return "", verrors.New(verrors.KindEmptyCall, "call has no opcode")
	}
	// spec.md §4.2 names reentrant verb invocation as the bare opcode
	// "call" (no "<library>." prefix); families_kernel.go namespaces
	// it as "call.invoke" to fit the convention every other opcode
	// follows (see families_kernel.go), so the bare spelling is accepted
	// here as an alias rather than rejected as missing a library prefix.
	if opcode == "call" {
		opcode = "call.invoke"
	}
	library, _, ok := cutLibrary(opcode)
	if !ok {
		return "", verrors.New(verrors.KindUnknownOpcode, "opcode missing library prefix").WithContext("opcode", opcode)
	}

	for _, f := range c.families {
		if !f.claims(library) {
			continue
		}
		return c.compileClaimed(f, opcode, e.Args())
	}
	return "", verrors.New(verrors.KindUnknownOpcode, "no family claims this opcode's library").
		WithContext("opcode", opcode)
}

func (c *Compiler) compileClaimed(f Family, opcode string, args []ir.SExpr) (string, error) {
	_, op, _ := cutLibrary(opcode)
	spec, ok := f.Ops[op]
	if !ok {
		return "", verrors.New(verrors.KindUnknownOpcode, "unknown opcode in family").
			WithContext("opcode", opcode).WithContext("family", f.Library)
	}
	if err := checkArity(opcode, spec, len(args)); err != nil {
		return "", err
	}
	parts := make([]string, len(args))
	for i, a := range args {
		js, err := c.Compile(a)
		if err != nil {
			return "", err
		}
		parts[i] = js
	}
	if spec.Gen != nil {
		return spec.Gen(opcode, parts), nil
	}
	return GlobalName(opcode) + "(" + strings.Join(parts, ",") + ")", nil
}

func checkArity(opcode string, spec OpSpec, got int) error {
	if spec.Variadic {
		if got < spec.MinArgs {
			return verrors.New(verrors.KindInvalidArgCount, "too few arguments").
				WithContext("op", opcode).WithContext("expected_at_least", spec.MinArgs).WithContext("got", got)
		}
		return nil
	}
	max := spec.MaxArgs
	if max == 0 {
		max = spec.MinArgs
	}
	if got < spec.MinArgs || got > max {
		return verrors.New(verrors.KindInvalidArgCount, "wrong argument count").
			WithContext("op", opcode).WithContext("expected", spec.MinArgs).WithContext("got", got)
	}
	return nil
}

func cutLibrary(opcode string) (library, op string, ok bool) {
	for i := 0; i < len(opcode); i++ {
		if opcode[i] == '.' {
			return opcode[:i], opcode[i+1:], true
		}
	}
	return "", "", false
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
