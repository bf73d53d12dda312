package ir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	cases := []SExpr{
		Null(),
		Bool(true),
		Bool(false),
		Number(0),
		Number(-3.5),
		Number(1_000_000),
		Str("hello \"world\""),
		List(Number(1), Number(2), Number(3)),
		Call("math.add", Number(1), Number(2)),
		Obj(map[string]SExpr{"a": Number(1), "b": Str("x")}),
		Call("std.seq",
			Call("std.let", Str("x"), Number(1)),
			Call("math.add", Call("std.var", Str("x")), Number(1)),
		),
	}

	for _, orig := range cases {
		data, err := Serialize(orig)
		if err != nil {
			t.Fatalf("Serialize(%v): %v", orig, err)
		}
		got, err := Parse(data)
		if err != nil {
			t.Fatalf("Parse(%s): %v", data, err)
		}
		if !Equal(orig, got) {
			t.Errorf("round trip mismatch: orig=%v got=%v json=%s", orig, got, data)
		}

		// Re-serializing the parsed value must byte-for-byte match, proving
		// the encoding is canonical (spec.md §4.1).
		data2, err := Serialize(got)
		if err != nil {
			t.Fatalf("re-Serialize: %v", err)
		}
		if diff := cmp.Diff(string(data), string(data2)); diff != "" {
			t.Errorf("non-canonical round trip (-want +got):\n%s", diff)
		}
	}
}

func TestWholeNumberSerializesWithoutFraction(t *testing.T) {
	data, err := Serialize(Number(42))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "42" {
		t.Errorf("Serialize(Number(42)) = %s, want 42", data)
	}
}

func TestCallShape(t *testing.T) {
	c := Call("math.add", Number(1), Number(2))
	if !c.IsCall() {
		t.Fatal("expected IsCall true")
	}
	if c.Opcode() != "math.add" {
		t.Errorf("Opcode() = %q, want math.add", c.Opcode())
	}
	args := c.Args()
	if len(args) != 2 {
		t.Fatalf("Args() len = %d, want 2", len(args))
	}
	n0, ok := args[0].AsNumber()
	if !ok || n0 != 1 {
		t.Errorf("Args()[0] = %v, want 1", args[0])
	}
}

func TestListIsNotCallWhenFirstElementNotString(t *testing.T) {
	l := List(Number(1), Number(2))
	if l.IsCall() {
		t.Error("plain numeric list should not be a call")
	}
}

func TestValidateNeverPanics(t *testing.T) {
	inputs := []SExpr{
		Null(),
		List(),
		List(Str("anything.goes"), Null(), List()),
		Obj(map[string]SExpr{"nested": List(Str("x"), Obj(nil))}),
	}
	for _, in := range inputs {
		if err := Validate(in); err != nil {
			t.Errorf("Validate(%v) unexpected error: %v", in, err)
		}
	}
}

func TestValidateAcceptsUnknownOpcodes(t *testing.T) {
	// Unknown opcodes are not rejected at this layer, per spec.md §4.1 —
	// that's the compiler's job.
	if err := Validate(Call("totally.unknown.opcode", Number(1))); err != nil {
		t.Errorf("unexpected validation error for unknown opcode: %v", err)
	}
}

func TestIsCoreOpcode(t *testing.T) {
	cases := map[string]bool{
		"std.let":         true,
		"std.if":          true,
		"math.add":        true,
		"list.map":        true,
		"fs.read":         false,
		"ai.generate":     false,
		"custom.opcode":   false,
		"entity.control":  false,
		"noDotAtAll":      false,
	}
	for name, want := range cases {
		if got := IsCoreOpcode(name); got != want {
			t.Errorf("IsCoreOpcode(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestTypedBuildersErase(t *testing.T) {
	typed := StdSeq(
		AsAny(StdLet("x", TNum(1).any())),
		AsAny(MathAdd(TNum(1), TNum(2))),
	)
	raw := EraseType(typed)
	if !raw.IsCall() || raw.Opcode() != "std.seq" {
		t.Fatalf("expected std.seq call, got %v", raw)
	}
}
