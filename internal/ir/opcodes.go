package ir

// OpcodeSpec is one row of the declarative opcode schema that
// opcodes_gen.go's hand-written typed builders mirror, after
// original_source's opcodes.toml -> builders.rs pipeline
// (crates/lotus-ir/src/builders.rs, crates/viwo-ir/src/opcodes.rs).
type OpcodeSpec struct {
	Name     string // "<library>.<op>"
	Variadic bool
	MinArgs  int
}

// CoreOpcodeTable enumerates the opcodes with hand-written strongly-typed
// builders in opcodes_gen.go. It is not an exhaustive opcode registry —
// the compiler (internal/compiler) accepts any opcode its families
// claim, known to this table or not; this table only lists the most
// common calls, the ones opcodes_gen.go has builders for.
var CoreOpcodeTable = []OpcodeSpec{
	{Name: "std.seq", Variadic: true},
	{Name: "std.let", MinArgs: 2},
	{Name: "std.var", MinArgs: 1},
	{Name: "std.if", MinArgs: 2},
	{Name: "std.this"},
	{Name: "std.caller"},
	{Name: "std.arg", MinArgs: 1},
	{Name: "math.add", Variadic: true},
	{Name: "math.sub", MinArgs: 2},
	{Name: "math.mul", MinArgs: 2},
	{Name: "math.div", MinArgs: 2},
	{Name: "math.mod", MinArgs: 2},
	{Name: "str.length", MinArgs: 1},
	{Name: "str.concat", Variadic: true},
	{Name: "str.substr", MinArgs: 3},
	{Name: "obj.get", MinArgs: 2},
	{Name: "obj.set", MinArgs: 3},
}
