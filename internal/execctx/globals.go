package execctx

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"

	"github.com/rhizome-lab/viwo/internal/compiler"
	"github.com/rhizome-lab/viwo/internal/plugin"
	"github.com/rhizome-lab/viwo/internal/storage"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

// install binds every reserved name and core/kernel global the compiler
// may reference (internal/compiler's GlobalName convention and its
// families_core.go/families_kernel.go Gen overrides together define the
// exact set of names used here). Plugin opcode globals are bound last,
// by installPlugins, from the Context's plugin registry.
func (c *Context) install() {
	vm := c.vm

	vm.Set("__this", c.entityValue(c.this.ID))
	vm.Set("__caller", c.entityValue(c.callerID))
	vm.Set("__args", vm.ToValue(c.args))
	vm.Set("__depth", vm.ToValue(c.depth))
	vm.Set("__scope", vm.NewObject())

	vm.Set("__viwo_std_seq", c.stdSeq)
	vm.Set("__viwo_std_let", c.stdLet)
	vm.Set("__viwo_std_var", c.stdVar)
	vm.Set("__viwo_std_if_cond", c.stdIfCond)
	vm.Set("__viwo_std_arg", c.stdArg)

	vm.Set("__viwo_math_add", c.mathAdd)
	vm.Set("__viwo_math_sub", c.mathBinary(func(a, b float64) (float64, error) { return a - b, nil }))
	vm.Set("__viwo_math_mul", c.mathBinary(func(a, b float64) (float64, error) { return a * b, nil }))
	vm.Set("__viwo_math_div", c.mathBinary(func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, verrors.New(verrors.KindDivByZero, "division by zero")
		}
		return a / b, nil
	}))
	vm.Set("__viwo_math_mod", c.mathBinary(func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, verrors.New(verrors.KindDivByZero, "modulo by zero")
		}
		return math.Mod(a, b), nil
	}))

	vm.Set("__viwo_str_length", c.strLength)
	vm.Set("__viwo_str_concat", c.strConcat)
	vm.Set("__viwo_str_substr", c.strSubstr)

	vm.Set("__viwo_obj_get", c.objGet)
	vm.Set("__viwo_obj_set", c.objSet)

	vm.Set("__viwo_list_length", c.listLength)
	vm.Set("__viwo_list_get", c.listGet)
	vm.Set("__viwo_list_append", c.listAppend)
	vm.Set("__viwo_list_concat", c.listConcat)
	vm.Set("__viwo_list_slice", c.listSlice)

	vm.Set("__viwo_bool_not", c.boolNot)
	vm.Set("__viwo_bool_and", c.boolAnd)
	vm.Set("__viwo_bool_or", c.boolOr)

	vm.Set("__viwo_time_now_ms", c.timeNowMs)
	vm.Set("__viwo_time_add_ms", c.timeAddMs)

	vm.Set("__viwo_entity_get", c.entityGet)
	vm.Set("__viwo_entity_create", c.entityCreate)
	vm.Set("__viwo_entity_update", c.entityUpdate)
	vm.Set("__viwo_entity_destroy", c.entityDestroy)

	vm.Set("__viwo_cap_has", c.capHas)
	vm.Set("__viwo_cap_get", c.capGet)
	vm.Set("__viwo_cap_create", c.capCreate)
	vm.Set("__viwo_cap_give", c.capGive)
	vm.Set("__viwo_cap_destroy", c.capDestroy)

	vm.Set("__viwo_call_invoke", c.callInvoke)
	vm.Set("__viwo_schedule_add", c.scheduleAdd)

	c.installPlugins()
}

// installPlugins binds one native global per currently registered
// plugin opcode, using the same "__viwo_<library>_<op>" convention the
// compiler already emits for core and kernel calls — plugin opcodes are
// indistinguishable from built-in ones once compiled.
func (c *Context) installPlugins() {
	if c.plugins == nil {
		return
	}
	for _, name := range c.plugins.Names() {
		fn, ok := c.plugins.Lookup(name)
		if !ok {
			continue
		}
		global := compiler.GlobalName(name)
		c.vm.Set(global, c.pluginTrampoline(name, fn))
	}
}

func (c *Context) pluginTrampoline(name string, fn plugin.HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		result, err := fn(args)
		if err != nil {
			c.throw(verrors.Wrap(verrors.KindPlugin, "plugin opcode failed", err).WithContext("opcode", name))
		}
		return c.vm.ToValue(result)
	}
}

// --- std ---

func (c *Context) stdSeq(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		return goja.Undefined()
	}
	return call.Arguments[len(call.Arguments)-1]
}

func (c *Context) stdLet(call goja.FunctionCall) goja.Value {
	scope := call.Argument(0).ToObject(c.vm)
	key := call.Argument(1).String()
	value := call.Argument(2)
	scope.Set(key, value)
	return value
}

func (c *Context) stdVar(call goja.FunctionCall) goja.Value {
	scope := call.Argument(0).ToObject(c.vm)
	key := call.Argument(1).String()
	v := scope.Get(key)
	if v == nil || goja.IsUndefined(v) {
		c.throw(verrors.New(verrors.KindUndefinedVar, "undefined variable").WithContext("name", key))
	}
	return v
}

func (c *Context) stdIfCond(call goja.FunctionCall) goja.Value {
	b, ok := call.Argument(0).Export().(bool)
	if !ok {
		c.throw(verrors.New(verrors.KindTypeError, "std.if condition must be a boolean"))
	}
	return c.vm.ToValue(b)
}

func (c *Context) stdArg(call goja.FunctionCall) goja.Value {
	idx := int(call.Argument(1).ToInteger())
	if idx < 0 || idx >= len(c.args) {
		return goja.Null()
	}
	return c.vm.ToValue(c.args[idx])
}

// --- math ---

func (c *Context) toFloat(v goja.Value) float64 {
	f, ok := v.Export().(float64)
	if !ok {
		if i, ok := v.Export().(int64); ok {
			return float64(i)
		}
		c.throw(verrors.New(verrors.KindTypeError, "expected a number"))
	}
	return f
}

func (c *Context) mathAdd(call goja.FunctionCall) goja.Value {
	sum := 0.0
	for _, a := range call.Arguments {
		sum += c.toFloat(a)
	}
	return c.vm.ToValue(sum)
}

func (c *Context) mathBinary(f func(a, b float64) (float64, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		a, b := c.toFloat(call.Argument(0)), c.toFloat(call.Argument(1))
		result, err := f(a, b)
		if err != nil {
			c.throw(err)
		}
		return c.vm.ToValue(result)
	}
}

// --- str ---

func (c *Context) toString(v goja.Value) string {
	s, ok := v.Export().(string)
	if !ok {
		c.throw(verrors.New(verrors.KindTypeError, "expected a string"))
	}
	return s
}

func (c *Context) strLength(call goja.FunctionCall) goja.Value {
	return c.vm.ToValue(float64(utf8.RuneCountInString(c.toString(call.Argument(0)))))
}

func (c *Context) strConcat(call goja.FunctionCall) goja.Value {
	var b strings.Builder
	for _, a := range call.Arguments {
		b.WriteString(c.toString(a))
	}
	return c.vm.ToValue(b.String())
}

// resolveSlice converts (start, length) against a total element count
// into [lo, hi) bounds, counting negative start values from the end —
// str.substr and list.slice share this rule (spec.md §4.2).
func resolveSlice(total, start, length int) (lo, hi int) {
	if start < 0 {
		start += total
	}
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + length
	if length < 0 {
		end = start
	}
	if end > total {
		end = total
	}
	if end < start {
		end = start
	}
	return start, end
}

func (c *Context) strSubstr(call goja.FunctionCall) goja.Value {
	s := []rune(c.toString(call.Argument(0)))
	start := int(call.Argument(1).ToInteger())
	length := int(call.Argument(2).ToInteger())
	lo, hi := resolveSlice(len(s), start, length)
	return c.vm.ToValue(string(s[lo:hi]))
}

// --- obj ---

func (c *Context) objGet(call goja.FunctionCall) goja.Value {
	o := call.Argument(0)
	key := c.toString(call.Argument(1))

	if id, ok := asEntityID(o); ok {
		v, found, err := c.kernel.Property(id, key)
		if err != nil {
			c.throw(err)
		}
		if !found {
			return goja.Null()
		}
		return c.vm.ToValue(v)
	}

	obj := o.ToObject(c.vm)
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) {
		return goja.Null()
	}
	return v
}

func (c *Context) objSet(call goja.FunctionCall) goja.Value {
	o := call.Argument(0)
	key := c.toString(call.Argument(1))
	value := call.Argument(2)

	if id, ok := asEntityID(o); ok {
		patch := map[string]any{key: jsonNumbers(value.Export())}
		if err := c.kernel.Update(id, patch, c.callerID); err != nil {
			c.throw(err)
		}
		return value
	}

	src := o.ToObject(c.vm)
	out := c.vm.NewObject()
	for _, k := range src.Keys() {
		out.Set(k, src.Get(k))
	}
	out.Set(key, value)
	return out
}

// --- list ---

func (c *Context) toList(v goja.Value) []any {
	l, ok := v.Export().([]any)
	if !ok {
		c.throw(verrors.New(verrors.KindTypeError, "expected a list"))
	}
	return l
}

func (c *Context) listLength(call goja.FunctionCall) goja.Value {
	return c.vm.ToValue(float64(len(c.toList(call.Argument(0)))))
}

func (c *Context) listGet(call goja.FunctionCall) goja.Value {
	l := c.toList(call.Argument(0))
	idx := int(call.Argument(1).ToInteger())
	if idx < 0 || idx >= len(l) {
		return goja.Null()
	}
	return c.vm.ToValue(l[idx])
}

func (c *Context) listAppend(call goja.FunctionCall) goja.Value {
	l := c.toList(call.Argument(0))
	out := make([]any, len(l)+1)
	copy(out, l)
	out[len(l)] = call.Argument(1).Export()
	return c.vm.ToValue(out)
}

func (c *Context) listConcat(call goja.FunctionCall) goja.Value {
	var out []any
	for _, a := range call.Arguments {
		out = append(out, c.toList(a)...)
	}
	return c.vm.ToValue(out)
}

func (c *Context) listSlice(call goja.FunctionCall) goja.Value {
	l := c.toList(call.Argument(0))
	start := int(call.Argument(1).ToInteger())
	length := int(call.Argument(2).ToInteger())
	lo, hi := resolveSlice(len(l), start, length)
	out := make([]any, hi-lo)
	copy(out, l[lo:hi])
	return c.vm.ToValue(out)
}

// --- bool ---

func (c *Context) toBool(v goja.Value) bool {
	b, ok := v.Export().(bool)
	if !ok {
		c.throw(verrors.New(verrors.KindTypeError, "expected a boolean"))
	}
	return b
}

func (c *Context) boolNot(call goja.FunctionCall) goja.Value {
	return c.vm.ToValue(!c.toBool(call.Argument(0)))
}

func (c *Context) boolAnd(call goja.FunctionCall) goja.Value {
	for _, a := range call.Arguments {
		if !c.toBool(a) {
			return c.vm.ToValue(false)
		}
	}
	return c.vm.ToValue(true)
}

func (c *Context) boolOr(call goja.FunctionCall) goja.Value {
	for _, a := range call.Arguments {
		if c.toBool(a) {
			return c.vm.ToValue(true)
		}
	}
	return c.vm.ToValue(false)
}

// --- time ---

func (c *Context) timeNowMs(call goja.FunctionCall) goja.Value {
	now := c.now
	if now == nil {
		now = time.Now
	}
	return c.vm.ToValue(float64(now().UnixMilli()))
}

func (c *Context) timeAddMs(call goja.FunctionCall) goja.Value {
	return c.vm.ToValue(c.toFloat(call.Argument(0)) + c.toFloat(call.Argument(1)))
}

// --- kernel: entity ---

// resolveEntityArg accepts either a tagged entity reference (from
// __this/__caller/entity.get/entity.create-via-obj) or a bare numeric
// id, so scripts can pass whichever they have in hand.
func (c *Context) resolveEntityArg(v goja.Value) storage.EntityID {
	if id, ok := asEntityID(v); ok {
		return id
	}
	return storage.EntityID(c.toFloat(v))
}

func (c *Context) entityGet(call goja.FunctionCall) goja.Value {
	id := c.resolveEntityArg(call.Argument(0))
	_, ok, err := c.kernel.Entity(id)
	if err != nil {
		c.throw(err)
	}
	if !ok {
		return goja.Null()
	}
	return c.entityValue(id)
}

func (c *Context) entityCreate(call goja.FunctionCall) goja.Value {
	props, _ := call.Argument(0).Export().(map[string]any)
	proto := storage.NoPrototype
	if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) && !goja.IsNull(call.Argument(1)) {
		proto = c.resolveEntityArg(call.Argument(1))
	}
	id, err := c.kernel.Create(props, proto)
	if err != nil {
		c.throw(err)
	}
	return c.vm.ToValue(float64(id))
}

func (c *Context) entityUpdate(call goja.FunctionCall) goja.Value {
	callerID := c.resolveEntityArg(call.Argument(0))
	id := c.resolveEntityArg(call.Argument(1))
	patch, _ := jsonNumbers(call.Argument(2).Export()).(map[string]any)
	if err := c.kernel.Update(id, patch, callerID); err != nil {
		c.throw(err)
	}
	return goja.Null()
}

func (c *Context) entityDestroy(call goja.FunctionCall) goja.Value {
	id := c.resolveEntityArg(call.Argument(0))
	if err := c.kernel.Destroy(id); err != nil {
		c.throw(err)
	}
	return goja.Null()
}

// --- kernel: cap ---

func (c *Context) capParams(v goja.Value) map[string]any {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	m, _ := v.Export().(map[string]any)
	return m
}

func (c *Context) capHas(call goja.FunctionCall) goja.Value {
	entity := c.resolveEntityArg(call.Argument(0))
	capType := c.toString(call.Argument(1))
	params := c.capParams(call.Argument(2))
	ok, err := c.kernel.HasCapability(entity, capType, params)
	if err != nil {
		c.throw(err)
	}
	return c.vm.ToValue(ok)
}

func (c *Context) capGet(call goja.FunctionCall) goja.Value {
	entity := c.resolveEntityArg(call.Argument(0))
	capType := c.toString(call.Argument(1))
	params := c.capParams(call.Argument(2))
	cap, ok, err := c.kernel.GetCapability(entity, capType, params)
	if err != nil {
		c.throw(err)
	}
	if !ok {
		return goja.Null()
	}
	return c.vm.ToValue(map[string]any{
		"id":        cap.ID,
		"owner_id":  float64(cap.OwnerID),
		"cap_type":  cap.Type,
		"params":    cap.Params,
	})
}

func (c *Context) capCreate(call goja.FunctionCall) goja.Value {
	owner := c.resolveEntityArg(call.Argument(0))
	capType := c.toString(call.Argument(1))
	params := c.capParams(call.Argument(2))
	id, err := c.kernel.CreateCapability(owner, capType, params)
	if err != nil {
		c.throw(err)
	}
	return c.vm.ToValue(id)
}

func (c *Context) capGive(call goja.FunctionCall) goja.Value {
	callerID := c.resolveEntityArg(call.Argument(0))
	capID := c.toString(call.Argument(1))
	newOwner := c.resolveEntityArg(call.Argument(2))
	if err := c.kernel.GiveCapability(capID, newOwner, callerID); err != nil {
		c.throw(err)
	}
	return goja.Null()
}

func (c *Context) capDestroy(call goja.FunctionCall) goja.Value {
	capID := c.toString(call.Argument(0))
	if err := c.kernel.DestroyCapability(capID); err != nil {
		c.throw(err)
	}
	return goja.Null()
}

// --- kernel: call / schedule ---

func (c *Context) callInvoke(call goja.FunctionCall) goja.Value {
	callerID := c.resolveEntityArg(call.Argument(0))
	depth := int(call.Argument(1).ToInteger())
	entity := c.resolveEntityArg(call.Argument(2))
	verb := c.toString(call.Argument(3))

	var args []any
	for _, a := range call.Arguments[4:] {
		args = append(args, a.Export())
	}

	result, err := c.kernel.Call(entity, verb, args, callerID, depth)
	if err != nil {
		c.throw(err)
	}
	return c.vm.ToValue(result)
}

func (c *Context) scheduleAdd(call goja.FunctionCall) goja.Value {
	entity := c.resolveEntityArg(call.Argument(0))
	verb := c.toString(call.Argument(1))
	args, _ := call.Argument(2).Export().([]any)
	delayMs := int64(call.Argument(3).ToInteger())
	id, err := c.kernel.Schedule(entity, verb, args, delayMs)
	if err != nil {
		c.throw(err)
	}
	return c.vm.ToValue(float64(id))
}
