// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"reflect"
	"testing"
)

func TestInterpolate(t *testing.T) {
	scope := MapScope{
		"n":    Number(8),
		"name": String("ada"),
		"obj":  Object(map[string]Value{"a": Number(1)}),
	}

	tests := []struct {
		name string
		in   string
		want any
	}{
		{name: "no template passes through", in: "plain text", want: "plain text"},
		{name: "open without close passes through", in: "a {{ b", want: "a {{ b"},
		{name: "whole string returns raw value", in: "{{ n }}", want: float64(8)},
		{name: "whole string with padding", in: "  {{ n }}  ", want: float64(8)},
		{name: "whole string object", in: "{{ obj }}", want: map[string]any{"a": float64(1)}},
		{name: "embedded stringifies", in: "n is {{ n }}!", want: "n is 8!"},
		{name: "multiple templates", in: "{{ name }}-{{ n }}", want: "ada-8"},
		{name: "undefined renders empty", in: "x{{ missing }}y", want: "xy"},
		{name: "whole string undefined is nil", in: "{{ missing }}", want: nil},
		{name: "expression inside", in: "sum: {{ n + 2 }}", want: "sum: 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpolate(tt.in, scope)
			if err != nil {
				t.Fatalf("Interpolate(%q) failed: %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Interpolate(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestInterpolateError(t *testing.T) {
	if _, err := Interpolate("{{ a = b }}", MapScope{}); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestInterpolateInputs(t *testing.T) {
	scope := MapScope{"user": Object(map[string]Value{"id": String("u1")})}
	inputs := map[string]any{
		"text":   "hello {{ user.id }}",
		"raw":    float64(3),
		"nested": map[string]any{"id": "{{ user.id }}"},
		"list":   []any{"{{ user.id }}", "static"},
	}

	got, err := InterpolateInputs(inputs, scope)
	if err != nil {
		t.Fatalf("InterpolateInputs failed: %v", err)
	}

	want := map[string]any{
		"text":   "hello u1",
		"raw":    float64(3),
		"nested": map[string]any{"id": "u1"},
		"list":   []any{"u1", "static"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("InterpolateInputs = %#v, want %#v", got, want)
	}

	// The source mapping is never mutated.
	if inputs["nested"].(map[string]any)["id"] != "{{ user.id }}" {
		t.Error("InterpolateInputs mutated its input")
	}
}
