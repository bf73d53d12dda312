package compiler

// coreFamilies returns the opcode families that are always available
// (spec.md §4.1's core libraries: std, list, obj, str, math, time, bool).
// Each family only declares arity — the Go-side semantics these globals
// implement are installed by internal/execctx, which is what actually
// owns the goja runtime.
func coreFamilies() []Family {
	return []Family{
		{
			Library: "std",
			Ops: map[string]OpSpec{
				"seq": {Variadic: true, MinArgs: 1},
				"let": {MinArgs: 2, Gen: func(_ string, a []string) string {
					return "__viwo_std_let(__scope," + a[0] + "," + a[1] + ")"
				}},
				"var": {MinArgs: 1, Gen: func(_ string, a []string) string {
					return "__viwo_std_var(__scope," + a[0] + ")"
				}},
				"if": {MinArgs: 2, MaxArgs: 3, Gen: func(_ string, a []string) string {
					elseBranch := "null"
					if len(a) == 3 {
						elseBranch = a[2]
					}
					return "(__viwo_std_if_cond(" + a[0] + ")?(" + a[1] + "):(" + elseBranch + "))"
				}},
				"this": {MinArgs: 0, Gen: func(string, []string) string { return "__this" }},
				"caller": {MinArgs: 0, Gen: func(string, []string) string { return "__caller" }},
				"arg": {MinArgs: 1, Gen: func(_ string, a []string) string {
					return "__viwo_std_arg(__args," + a[0] + ")"
				}},
			},
		},
		{
			Library: "math",
			Ops: map[string]OpSpec{
				"add": {Variadic: true, MinArgs: 1},
				"sub": {MinArgs: 2},
				"mul": {MinArgs: 2},
				"div": {MinArgs: 2},
				"mod": {MinArgs: 2},
			},
		},
		{
			Library: "str",
			Ops: map[string]OpSpec{
				"length": {MinArgs: 1},
				"concat": {Variadic: true, MinArgs: 1},
				"substr": {MinArgs: 3},
			},
		},
		{
			Library: "obj",
			Ops: map[string]OpSpec{
				"get": {MinArgs: 2},
				"set": {MinArgs: 3},
			},
		},
		{
			Library: "list",
			Ops: map[string]OpSpec{
				"length": {MinArgs: 1},
				"get":    {MinArgs: 2},
				"append": {MinArgs: 2},
				"concat": {Variadic: true, MinArgs: 1},
				"slice":  {MinArgs: 3},
			},
		},
		{
			Library: "bool",
			Ops: map[string]OpSpec{
				"not": {MinArgs: 1},
				"and": {Variadic: true, MinArgs: 1},
				"or":  {Variadic: true, MinArgs: 1},
			},
		},
		{
			Library: "time",
			Ops: map[string]OpSpec{
				"now_ms": {MinArgs: 0},
				"add_ms": {MinArgs: 2},
			},
		},
	}
}
