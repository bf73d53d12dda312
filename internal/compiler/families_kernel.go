package compiler

import "strings"

// kernelFamilies returns the opcode families whose implementation runs in
// the engine rather than the script (spec.md §4.4): entity, cap, call,
// schedule. Capability-gated opcodes (entity.update, cap.give) still
// compile the same way as any other call — the compiled global itself is
// a Kernel trampoline that performs permits() before acting, surfacing a
// failed check as PermissionDenied (spec.md §4.2).
//
// The spec's component design refers to reentrant verb invocation both as
// "std.call" and the bare opcode "call" (§4.2); this implementation
// gives it its own family, "call", with a single op "invoke", so the
// canonical wire opcode is "call.invoke" and fits the "<library>.<op>"
// convention spec.md §4.1 requires everywhere else. Compiler.compileCall
// accepts the spec's bare "call" spelling as an alias for "call.invoke",
// so a verb authored against either spelling compiles (see DESIGN.md).
func kernelFamilies() []Family {
	return []Family{
		{
			Library: "entity",
			Ops: map[string]OpSpec{
				"get":    {MinArgs: 1},
				"create": {MinArgs: 1, MaxArgs: 2},
				"update": {MinArgs: 2, Gen: func(_ string, a []string) string {
					return "__viwo_entity_update(__caller," + strings.Join(a, ",") + ")"
				}},
				"destroy": {MinArgs: 1},
			},
		},
		{
			Library: "cap",
			Ops: map[string]OpSpec{
				"has":    {MinArgs: 2, MaxArgs: 3},
				"get":    {MinArgs: 2, MaxArgs: 3},
				"create": {MinArgs: 3},
				"give": {MinArgs: 2, Gen: func(_ string, a []string) string {
					return "__viwo_cap_give(__caller," + strings.Join(a, ",") + ")"
				}},
				"destroy": {MinArgs: 1},
			},
		},
		{
			Library: "call",
			Ops: map[string]OpSpec{
				"invoke": {Variadic: true, MinArgs: 2, Gen: func(_ string, a []string) string {
					return "__viwo_call_invoke(__caller,__depth," + strings.Join(a, ",") + ")"
				}},
			},
		},
		{
			Library: "schedule",
			Ops: map[string]OpSpec{
				"add": {MinArgs: 4},
			},
		},
	}
}
