// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"fmt"
	"strings"
	"time"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// HasTemplate reports whether s contains a {{ ... }} template.
func HasTemplate(s string) bool {
	open := strings.Index(s, openDelim)
	if open < 0 {
		return false
	}
	return strings.Index(s[open:], closeDelim) > 0
}

// Interpolate evaluates the templates embedded in s against the scope.
//
// When the whole string is a single template, the raw evaluated value is
// returned so non-string module inputs survive intact. Otherwise every
// template is replaced with its stringification (undefined renders empty)
// and the resulting string is returned. Strings without templates are
// returned unchanged.
func Interpolate(s string, scope Scope) (any, error) {
	return InterpolateAt(s, scope, time.Now)
}

// InterpolateAt interpolates with an explicit clock.
func InterpolateAt(s string, scope Scope, clock Clock) (any, error) {
	if !HasTemplate(s) {
		return s, nil
	}

	// Whole-value template: "{{ expr }}" with nothing around it.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) {
		inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
		if !strings.Contains(inner, closeDelim) {
			v, err := evalTemplate(inner, scope, clock)
			if err != nil {
				return nil, err
			}
			return v.Any(), nil
		}
	}

	var sb strings.Builder
	rest := s
	for {
		open := strings.Index(rest, openDelim)
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		close := strings.Index(rest[open:], closeDelim)
		if close < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:open])
		inner := rest[open+len(openDelim) : open+close]
		v, err := evalTemplate(inner, scope, clock)
		if err != nil {
			return nil, err
		}
		sb.WriteString(v.Stringify())
		rest = rest[open+close+len(closeDelim):]
	}
}

func evalTemplate(src string, scope Scope, clock Clock) (Value, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return Undefined, nil
	}
	node, err := Parse(src)
	if err != nil {
		return Undefined, fmt.Errorf("template %q: %w", src, err)
	}
	v, err := EvalAt(node, scope, clock)
	if err != nil {
		return Undefined, fmt.Errorf("template %q: %w", src, err)
	}
	return v, nil
}

// InterpolateValue walks a JSON-shaped value, interpolating every string
// leaf. Maps and slices are copied, never mutated in place.
func InterpolateValue(v any, scope Scope) (any, error) {
	return InterpolateValueAt(v, scope, time.Now)
}

// InterpolateValueAt walks with an explicit clock.
func InterpolateValueAt(v any, scope Scope, clock Clock) (any, error) {
	switch t := v.(type) {
	case string:
		return InterpolateAt(t, scope, clock)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			res, err := InterpolateValueAt(item, scope, clock)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			res, err := InterpolateValueAt(item, scope, clock)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

// InterpolateInputs interpolates a step's input mapping.
func InterpolateInputs(inputs map[string]any, scope Scope) (map[string]any, error) {
	return InterpolateInputsAt(inputs, scope, time.Now)
}

// InterpolateInputsAt interpolates a step's input mapping with an
// explicit clock.
func InterpolateInputsAt(inputs map[string]any, scope Scope, clock Clock) (map[string]any, error) {
	if inputs == nil {
		return map[string]any{}, nil
	}
	out, err := InterpolateValueAt(inputs, scope, clock)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}
