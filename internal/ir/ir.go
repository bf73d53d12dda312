// Package ir defines the S-expression intermediate representation that
// verb bodies compile from. An SExpr is either a literal (null, bool,
// number, string), an object (string -> SExpr), a list, or a call — a
// list whose first element is a string opcode. Validation here only
// checks shape; whether an opcode is known is the compiler's concern
// (see internal/compiler).
package ir

import "github.com/rhizome-lab/viwo/internal/verrors"

// Kind tags the shape of an SExpr.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject
	KindList
	KindCall
)

// SExpr is the untyped IR value. Exactly one of the typed fields is
// meaningful, selected by Kind. Call is represented as a List whose
// first element is KindString — IsCall distinguishes it from a plain
// list at read time rather than carrying a separate Opcode field, so
// that every call round-trips through JSON as a plain array.
type SExpr struct {
	kind Kind
	b    bool
	n    float64
	s    string
	obj  map[string]SExpr
	list []SExpr
}

// Null returns the null literal.
func Null() SExpr { return SExpr{kind: KindNull} }

// Bool returns a boolean literal.
func Bool(v bool) SExpr { return SExpr{kind: KindBool, b: v} }

// Number returns a numeric literal.
func Number(v float64) SExpr { return SExpr{kind: KindNumber, n: v} }

// Str returns a string literal.
func Str(v string) SExpr { return SExpr{kind: KindString, s: v} }

// Obj returns an object value.
func Obj(fields map[string]SExpr) SExpr {
	cp := make(map[string]SExpr, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return SExpr{kind: KindObject, obj: cp}
}

// List returns a plain list value (not a call).
func List(items ...SExpr) SExpr {
	cp := make([]SExpr, len(items))
	copy(cp, items)
	return SExpr{kind: KindList, list: cp}
}

// Call returns a call: a list whose first element is the opcode string
// followed by args.
func Call(opcode string, args ...SExpr) SExpr {
	items := make([]SExpr, 0, len(args)+1)
	items = append(items, Str(opcode))
	items = append(items, args...)
	return SExpr{kind: KindList, list: items}
}

// ValueKind returns the shape tag of the value.
func (e SExpr) ValueKind() Kind { return e.kind }

// IsCall reports whether e is a non-empty list whose first element is a string.
func (e SExpr) IsCall() bool {
	return e.kind == KindList && len(e.list) > 0 && e.list[0].kind == KindString
}

// Opcode returns the call's opcode name, or "" if e is not a call.
func (e SExpr) Opcode() string {
	if !e.IsCall() {
		return ""
	}
	return e.list[0].s
}

// Args returns the call's arguments (everything after the opcode), or
// nil if e is not a call.
func (e SExpr) Args() []SExpr {
	if !e.IsCall() {
		return nil
	}
	return e.list[1:]
}

// AsBool returns (value, true) if e is a bool literal.
func (e SExpr) AsBool() (bool, bool) {
	if e.kind != KindBool {
		return false, false
	}
	return e.b, true
}

// AsNumber returns (value, true) if e is a number literal.
func (e SExpr) AsNumber() (float64, bool) {
	if e.kind != KindNumber {
		return 0, false
	}
	return e.n, true
}

// AsStr returns (value, true) if e is a string literal.
func (e SExpr) AsStr() (string, bool) {
	if e.kind != KindString {
		return "", false
	}
	return e.s, true
}

// AsList returns (items, true) if e is a list or call (callers that need
// to distinguish should check IsCall first).
func (e SExpr) AsList() ([]SExpr, bool) {
	if e.kind != KindList {
		return nil, false
	}
	return e.list, true
}

// AsObject returns (fields, true) if e is an object.
func (e SExpr) AsObject() (map[string]SExpr, bool) {
	if e.kind != KindObject {
		return nil, false
	}
	return e.obj, true
}

// IsNull reports whether e is the null literal.
func (e SExpr) IsNull() bool { return e.kind == KindNull }

// Validate recursively ensures every list/object is well-formed. Unknown
// opcodes are not rejected here — only shape is checked, per spec.md §4.1.
func Validate(e SExpr) error {
	switch e.kind {
	case KindNull, KindBool, KindNumber, KindString:
		return nil
	case KindObject:
		for k, v := range e.obj {
			if err := Validate(v); err != nil {
				return verrors.Wrap(verrors.KindValidation, "invalid object field", err).
					WithContext("key", k)
			}
		}
		return nil
	case KindList:
		for i, v := range e.list {
			if err := Validate(v); err != nil {
				return verrors.Wrap(verrors.KindValidation, "invalid list element", err).
					WithContext("index", i)
			}
		}
		return nil
	default:
		return verrors.New(verrors.KindValidation, "unrecognized SExpr kind")
	}
}

// core opcode library prefixes, always available without a plugin.
var coreLibraries = map[string]bool{
	"std":  true,
	"list": true,
	"obj":  true,
	"str":  true,
	"math": true,
	"time": true,
	"bool": true,
}

// IsCoreOpcode reports whether name's "<library>." prefix is one of the
// always-available core libraries (as opposed to a kernel or plugin family).
func IsCoreOpcode(name string) bool {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return coreLibraries[name[:i]]
		}
	}
	return false
}
