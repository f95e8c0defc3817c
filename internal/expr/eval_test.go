// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"testing"
	"time"
)

func testScope() MapScope {
	return MapScope{
		"name":  String("ada"),
		"count": Number(5),
		"ok":    Bool(true),
		"items": Array([]Value{String("a"), String("b"), String("c")}),
		"steps": Object(map[string]Value{
			"fetch": Object(map[string]Value{
				"status": Number(200),
				"body":   String("hello"),
			}),
		}),
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func TestEvalString(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want Value
	}{
		{name: "string literal", src: "'hi'", want: String("hi")},
		{name: "number literal", src: "42", want: Number(42)},
		{name: "decimal literal", src: "3.5", want: Number(3.5)},
		{name: "bool literal", src: "true", want: Bool(true)},
		{name: "null literal", src: "null", want: Null},
		{name: "identifier", src: "name", want: String("ada")},
		{name: "unknown identifier", src: "missing", want: Undefined},
		{name: "dotted path", src: "steps.fetch.status", want: Number(200)},
		{name: "dotted path through unknown", src: "steps.nope.status", want: Undefined},
		{name: "array index", src: "items[1]", want: String("b")},
		{name: "array index out of range", src: "items[9]", want: Undefined},
		{name: "string index into object", src: "steps['fetch'].body", want: String("hello")},
		{name: "equality", src: "count == 5", want: Bool(true)},
		{name: "inequality", src: "count != 5", want: Bool(false)},
		{name: "undefined unequal to empty string", src: "missing == ''", want: Bool(false)},
		{name: "undefined unequal to zero", src: "missing == 0", want: Bool(false)},
		{name: "undefined unequal to false", src: "missing == false", want: Bool(false)},
		{name: "less than", src: "count < 10", want: Bool(true)},
		{name: "greater than", src: "count > 10", want: Bool(false)},
		{name: "string compare", src: "'abc' < 'abd'", want: Bool(true)},
		{name: "mixed compare is false", src: "'abc' < 5", want: Bool(false)},
		{name: "and short circuit", src: "false && missing", want: Bool(false)},
		{name: "or returns left", src: "ok || false", want: Bool(true)},
		{name: "not", src: "!ok", want: Bool(false)},
		{name: "not undefined", src: "!missing", want: Bool(true)},
		{name: "numeric add", src: "count + 3", want: Number(8)},
		{name: "string concat", src: "'n=' + count", want: String("n=5")},
		{name: "concat undefined", src: "'x' + missing", want: String("x")},
		{name: "parens", src: "(count + 1) == 6", want: Bool(true)},
		{name: "length of array", src: "length(items)", want: Number(3)},
		{name: "length of string", src: "length(name)", want: Number(3)},
		{name: "upper", src: "upper(name)", want: String("ADA")},
		{name: "lower", src: "lower('ABC')", want: String("abc")},
		{name: "json", src: "json(items)", want: String(`["a","b","c"]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.src, err)
			}
			got, err := EvalAt(node, testScope(), fixedClock)
			if err != nil {
				t.Fatalf("Eval(%q) failed: %v", tt.src, err)
			}
			if !got.Equal(tt.want) || got.Kind() != tt.want.Kind() {
				t.Errorf("Eval(%q) = %#v, want %#v", tt.src, got, tt.want)
			}
		})
	}
}

func TestEvalTimeBuiltins(t *testing.T) {
	scope := testScope()
	now, err := EvalString("now()", scope)
	if err != nil {
		t.Fatalf("now() failed: %v", err)
	}
	got, err := EvalAt(mustParse(t, "now()"), scope, fixedClock)
	if err != nil {
		t.Fatalf("now() with fixed clock failed: %v", err)
	}
	if got.Stringify() != "2026-03-14T09:26:53Z" {
		t.Errorf("now() = %q", got.Stringify())
	}
	if now.Kind() != KindString {
		t.Errorf("now() kind = %v, want string", now.Kind())
	}

	date, err := EvalAt(mustParse(t, "date()"), scope, fixedClock)
	if err != nil {
		t.Fatalf("date() failed: %v", err)
	}
	if date.Stringify() != "2026-03-14" {
		t.Errorf("date() = %q", date.Stringify())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "single equals", src: "a = b"},
		{name: "single ampersand", src: "a & b"},
		{name: "unterminated string", src: "'abc"},
		{name: "unbalanced paren", src: "(a"},
		{name: "trailing tokens", src: "a b"},
		{name: "empty", src: ""},
		{name: "unknown function", src: "frobnicate(1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EvalString(tt.src, testScope()); err == nil {
				t.Errorf("EvalString(%q) succeeded, want error", tt.src)
			}
		})
	}
}

func mustParse(t *testing.T, src string) Node {
	t.Helper()
	node, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", src, err)
	}
	return node
}
