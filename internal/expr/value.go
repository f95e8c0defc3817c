// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package expr implements the template expression language embedded in
// workflow documents: dotted paths, indexing, literals, comparison and
// concatenation operators, and a small whitelisted function set. Strings of
// the form "{{ expr }}" are evaluated against the run context.
package expr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind tags a Value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is the tagged runtime value of the expression language. Unknown
// identifiers resolve to the undefined value, which stringifies to "" but
// compares unequal to every literal.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Undefined is the value of unknown identifiers and missing members.
var Undefined = Value{kind: KindUndefined}

// Null is the JSON null value.
var Null = Value{kind: KindNull}

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a slice of values.
func Array(items []Value) Value { return Value{kind: KindArray, arr: items} }

// Object wraps a map of values.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// FromAny converts a JSON-shaped Go value (the module output currency) into
// a Value.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case Value:
		return t
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return Array(items)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = FromAny(item)
		}
		return Object(fields)
	default:
		// Anything else round-trips through JSON so module outputs with
		// struct types stay addressable.
		raw, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprintf("%v", t))
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return String(string(raw))
		}
		return FromAny(decoded)
	}
}

// Any converts a Value back into its JSON-shaped Go form. Undefined maps to
// nil.
func (v Value) Any() any {
	switch v.kind {
	case KindUndefined, KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		items := make([]any, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Any()
		}
		return items
	case KindObject:
		fields := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			fields[k] = item.Any()
		}
		return fields
	}
	return nil
}

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether the value is the undefined value.
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// Truthy applies the language's boolean coercion: undefined and null are
// false, booleans are themselves, numbers are true unless zero, strings are
// true unless empty, arrays and objects are always true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindUndefined, KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return v.s != ""
	case KindArray, KindObject:
		return true
	}
	return false
}

// Stringify renders the value as it appears when embedded in a template.
// Undefined renders as the empty string; arrays and objects render as JSON.
func (v Value) Stringify() string {
	switch v.kind {
	case KindUndefined:
		return ""
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	case KindArray, KindObject:
		raw, err := json.Marshal(v.Any())
		if err != nil {
			return ""
		}
		return string(raw)
	}
	return ""
}

// Equal implements ==. Undefined equals only undefined; numbers, strings and
// booleans compare by value; arrays and objects compare structurally.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, item := range v.obj {
			other, ok := o.obj[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// Member resolves v.name, returning Undefined for anything unaddressable.
func (v Value) Member(name string) Value {
	if v.kind != KindObject {
		return Undefined
	}
	item, ok := v.obj[name]
	if !ok {
		return Undefined
	}
	return item
}

// Index resolves v[i] for arrays, returning Undefined when out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Undefined
	}
	return v.arr[i]
}

// Len returns the length used by the length() builtin: rune count for
// strings, element count for arrays, field count for objects, -1 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return len([]rune(v.s))
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return -1
}

// Keys returns the sorted field names of an object value.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
