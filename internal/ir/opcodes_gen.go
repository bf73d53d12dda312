package ir

// Typed builders for the opcodes listed in CoreOpcodeTable (opcodes.go),
// in the shape of original_source's lotus-ir/src/builders.rs. They are
// written by hand to mirror the table; no generator in this repository
// produces this file, so a table change needs a matching edit here.

func StdSeq(exprs ...Expr[Any]) Expr[Any] { return TCall[Any]("std.seq", exprs...) }

func StdLet(name string, value Expr[Any]) Expr[Any] {
	return TCall[Any]("std.let", TStr(name).any(), value)
}

func StdVar(name string) Expr[Any] { return TCall[Any]("std.var", TStr(name).any()) }

func StdIf(cond Expr[Bool_], then Expr[Any], els ...Expr[Any]) Expr[Any] {
	args := []Expr[Any]{cond.any(), then}
	args = append(args, els...)
	return TCall[Any]("std.if", args...)
}

func StdThis() Expr[Any] { return TCall[Any]("std.this") }

func StdCaller() Expr[Any] { return TCall[Any]("std.caller") }

func StdArg(i int) Expr[Any] { return TCall[Any]("std.arg", TNum(float64(i)).any()) }

func MathAdd(exprs ...Expr[Num]) Expr[Num] {
	args := make([]Expr[Any], len(exprs))
	for i, e := range exprs {
		args[i] = e.any()
	}
	return TCall[Num]("math.add", args...)
}

func MathSub(a, b Expr[Num]) Expr[Num] { return TCall[Num]("math.sub", a.any(), b.any()) }
func MathMul(a, b Expr[Num]) Expr[Num] { return TCall[Num]("math.mul", a.any(), b.any()) }
func MathDiv(a, b Expr[Num]) Expr[Num] { return TCall[Num]("math.div", a.any(), b.any()) }
func MathMod(a, b Expr[Num]) Expr[Num] { return TCall[Num]("math.mod", a.any(), b.any()) }

func StrLength(s Expr[Str_]) Expr[Num] { return TCall[Num]("str.length", s.any()) }

func StrConcat(exprs ...Expr[Str_]) Expr[Str_] {
	args := make([]Expr[Any], len(exprs))
	for i, e := range exprs {
		args[i] = e.any()
	}
	return TCall[Str_]("str.concat", args...)
}

func StrSubstr(s Expr[Str_], start, length Expr[Num]) Expr[Str_] {
	return TCall[Str_]("str.substr", s.any(), start.any(), length.any())
}

func ObjGet(o Expr[Any], key Expr[Str_]) Expr[Any] {
	return TCall[Any]("obj.get", o, key.any())
}

func ObjSet(o Expr[Any], key Expr[Str_], value Expr[Any]) Expr[Any] {
	return TCall[Any]("obj.set", o, key.any(), value)
}

// any is a private shorthand for AsAny to keep the builders above terse.
func (e Expr[T]) any() Expr[Any] { return AsAny(e) }
