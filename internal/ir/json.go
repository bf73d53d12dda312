package ir

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/rhizome-lab/viwo/internal/verrors"
)

// MarshalJSON implements the canonical wire form from spec.md §6.1: calls
// and lists are JSON arrays, objects are JSON objects with sorted keys (so
// the encoding is byte-for-byte stable), numbers use Go's shortest
// round-tripping representation (whole values serialize without a
// fractional part), and there is no extraneous whitespace.
func (e SExpr) MarshalJSON() ([]byte, error) {
	switch e.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		if e.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case KindNumber:
		return json.Marshal(e.n)
	case KindString:
		return json.Marshal(e.s)
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range e.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		keys := make([]string, 0, len(e.obj))
		for k := range e.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := e.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, verrors.New(verrors.KindValidation, "unrecognized SExpr kind during marshal")
	}
}

// UnmarshalJSON implements the inverse of MarshalJSON. It decodes into
// json.Number to preserve the distinction between the JSON text and a
// float64 only where needed, but SExpr itself always stores numbers as
// float64 per spec.md §6.1 ("Numbers are IEEE-754 doubles").
func (e *SExpr) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return verrors.Wrap(verrors.KindValidation, "malformed IR JSON", err)
	}
	v, err := fromAny(raw)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

func fromAny(raw any) (SExpr, error) {
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return SExpr{}, verrors.Wrap(verrors.KindValidation, "invalid number literal", err)
		}
		return Number(f), nil
	case string:
		return Str(v), nil
	case []any:
		items := make([]SExpr, len(v))
		for i, it := range v {
			se, err := fromAny(it)
			if err != nil {
				return SExpr{}, err
			}
			items[i] = se
		}
		return SExpr{kind: KindList, list: items}, nil
	case map[string]any:
		fields := make(map[string]SExpr, len(v))
		for k, it := range v {
			se, err := fromAny(it)
			if err != nil {
				return SExpr{}, err
			}
			fields[k] = se
		}
		return SExpr{kind: KindObject, obj: fields}, nil
	default:
		return SExpr{}, verrors.New(verrors.KindValidation, "unsupported JSON value type")
	}
}

// Serialize returns the canonical JSON encoding of e.
func Serialize(e SExpr) ([]byte, error) {
	return e.MarshalJSON()
}

// Parse decodes the canonical JSON encoding into an SExpr.
func Parse(data []byte) (SExpr, error) {
	var e SExpr
	if err := e.UnmarshalJSON(data); err != nil {
		return SExpr{}, err
	}
	return e, nil
}
