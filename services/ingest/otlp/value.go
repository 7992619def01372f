package otlp

import (
	"bytes"
	"fmt"
)

// ValueKind identifies which arm of an attribute value is populated.
type ValueKind uint8

const (
	ValueEmpty ValueKind = iota
	ValueString
	ValueBool
	ValueInt
	ValueDouble
	ValueArray
	ValueMap
	ValueBytes
)

func (k ValueKind) String() string {
	switch k {
	case ValueString:
		return "string"
	case ValueBool:
		return "bool"
	case ValueInt:
		return "int"
	case ValueDouble:
		return "double"
	case ValueArray:
		return "array"
	case ValueMap:
		return "kvlist"
	case ValueBytes:
		return "bytes"
	default:
		return "empty"
	}
}

// Value is a resolved OTLP AnyValue: exactly one of string, bool, int, double,
// array, key/value map or bytes. Decoding never produces an empty Value.
type Value struct {
	kind  ValueKind
	str   string
	b     bool
	i     int64
	d     float64
	arr   []Value
	kv    map[string]Value
	bytes []byte
}

func StringValue(s string) Value { return Value{kind: ValueString, str: s} }
func BoolValue(b bool) Value { return Value{kind: ValueBool, b: b} }
func IntValue(i int64) Value { return Value{kind: ValueInt, i: i} }
func DoubleValue(d float64) Value { return Value{kind: ValueDouble, d: d} }
func BytesValue(b []byte) Value { return Value{kind: ValueBytes, bytes: b} }

func ArrayValue(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}
	return Value{kind: ValueArray, arr: values}
}

func MapValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: ValueMap, kv: m}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) Str() string { return v.str }
func (v Value) Bool() bool { return v.b }
func (v Value) Int() int64 { return v.i }
func (v Value) Double() float64 { return v.d }
func (v Value) Array() []Value { return v.arr }
func (v Value) Map() map[string]Value { return v.kv }
func (v Value) BytesVal() []byte { return v.bytes }

// Interface returns the value as a plain Go value: string, bool, int64, float64,
// []any, map[string]any or []byte.
func (v Value) Interface() any {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueBool:
		return v.b
	case ValueInt:
		return v.i
	case ValueDouble:
		return v.d
	case ValueArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case ValueMap:
		return AttributesToMap(v.kv)
	case ValueBytes:
		return v.bytes
	default:
		return nil
	}
}

// Equal reports whether v and o hold the same kind and value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueString:
		return v.str == o.str
	case ValueBool:
		return v.b == o.b
	case ValueInt:
		return v.i == o.i
	case ValueDouble:
		return v.d == o.d
	case ValueBytes:
		return bytes.Equal(v.bytes, o.bytes)
	case ValueArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case ValueMap:
		return AttributesEqual(v.kv, o.kv)
	default:
		return true
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.kind, v.Interface())
}

// Attributes is a flat attribute map keyed by attribute name.
type Attributes map[string]Value

// AttributesToMap converts attributes into plain Go values.
func AttributesToMap(attrs map[string]Value) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v.Interface()
	}
	return out
}

// AttributesEqual reports whether a and b hold the same keys and values.
func AttributesEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}
