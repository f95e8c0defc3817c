// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Scope resolves free identifiers. Unknown names must return (Undefined,
// false), never an error; missing bindings are a value in this language.
type Scope interface {
	Resolve(name string) (Value, bool)
}

// MapScope is a Scope over a plain map.
type MapScope map[string]Value

// Resolve implements Scope.
func (m MapScope) Resolve(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// Clock abstracts time for the now()/date() builtins so tests can pin it.
type Clock func() time.Time

type evaluator struct {
	scope Scope
	clock Clock
}

// Eval evaluates a parsed expression against a scope.
func Eval(node Node, scope Scope) (Value, error) {
	return EvalAt(node, scope, time.Now)
}

// EvalAt evaluates with an explicit clock.
func EvalAt(node Node, scope Scope, clock Clock) (Value, error) {
	ev := &evaluator{scope: scope, clock: clock}
	return node.eval(ev)
}

// EvalString parses and evaluates an expression source string.
func EvalString(src string, scope Scope) (Value, error) {
	return EvalStringAt(src, scope, time.Now)
}

// EvalStringAt parses and evaluates with an explicit clock.
func EvalStringAt(src string, scope Scope, clock Clock) (Value, error) {
	node, err := Parse(src)
	if err != nil {
		return Undefined, err
	}
	return EvalAt(node, scope, clock)
}

func (n *literalNode) eval(*evaluator) (Value, error) { return n.value, nil }

func (n *identNode) eval(ev *evaluator) (Value, error) {
	if v, ok := ev.scope.Resolve(n.name); ok {
		return v, nil
	}
	return Undefined, nil
}

func (n *memberNode) eval(ev *evaluator) (Value, error) {
	target, err := n.target.eval(ev)
	if err != nil {
		return Undefined, err
	}
	return target.Member(n.name), nil
}

func (n *indexNode) eval(ev *evaluator) (Value, error) {
	target, err := n.target.eval(ev)
	if err != nil {
		return Undefined, err
	}
	idx, err := n.index.eval(ev)
	if err != nil {
		return Undefined, err
	}
	switch idx.Kind() {
	case KindNumber:
		return target.Index(int(idx.n)), nil
	case KindString:
		return target.Member(idx.s), nil
	}
	return Undefined, nil
}

func (n *unaryNode) eval(ev *evaluator) (Value, error) {
	operand, err := n.operand.eval(ev)
	if err != nil {
		return Undefined, err
	}
	return Bool(!operand.Truthy()), nil
}

func (n *binaryNode) eval(ev *evaluator) (Value, error) {
	// Short-circuit logic operators before evaluating the right side.
	if n.op == tokAnd || n.op == tokOr {
		left, err := n.left.eval(ev)
		if err != nil {
			return Undefined, err
		}
		if n.op == tokAnd && !left.Truthy() {
			return left, nil
		}
		if n.op == tokOr && left.Truthy() {
			return left, nil
		}
		return n.right.eval(ev)
	}

	left, err := n.left.eval(ev)
	if err != nil {
		return Undefined, err
	}
	right, err := n.right.eval(ev)
	if err != nil {
		return Undefined, err
	}
	switch n.op {
	case tokEq:
		return Bool(left.Equal(right)), nil
	case tokNeq:
		return Bool(!left.Equal(right)), nil
	case tokLt, tokGt:
		return compare(n.op, left, right), nil
	case tokPlus:
		return add(left, right), nil
	}
	return Undefined, fmt.Errorf("unsupported operator")
}

// compare orders numbers numerically and strings lexicographically; any
// other pairing is false.
func compare(op tokenKind, left, right Value) Value {
	if left.Kind() == KindNumber && right.Kind() == KindNumber {
		if op == tokLt {
			return Bool(left.n < right.n)
		}
		return Bool(left.n > right.n)
	}
	if left.Kind() == KindString && right.Kind() == KindString {
		if op == tokLt {
			return Bool(left.s < right.s)
		}
		return Bool(left.s > right.s)
	}
	return Bool(false)
}

// add implements +: numeric addition when both sides are numbers, string
// concatenation (stringifying the other side) when either is a string.
func add(left, right Value) Value {
	if left.Kind() == KindNumber && right.Kind() == KindNumber {
		return Number(left.n + right.n)
	}
	if left.Kind() == KindString || right.Kind() == KindString {
		return String(left.Stringify() + right.Stringify())
	}
	return String(left.Stringify() + right.Stringify())
}

func (n *callNode) eval(ev *evaluator) (Value, error) {
	args := make([]Value, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(ev)
		if err != nil {
			return Undefined, err
		}
		args[i] = v
	}
	fn, ok := builtins[n.name]
	if !ok {
		return Undefined, fmt.Errorf("unknown function %q", n.name)
	}
	return fn(ev, args)
}

type builtinFunc func(ev *evaluator, args []Value) (Value, error)

// builtins is the whitelisted function set. Extensions are deliberate
// additions here, not ad-hoc.
var builtins = map[string]builtinFunc{
	"length": func(_ *evaluator, args []Value) (Value, error) {
		if len(args) != 1 {
			return Undefined, fmt.Errorf("length() takes exactly one argument")
		}
		n := args[0].Len()
		if n < 0 {
			return Undefined, nil
		}
		return Number(float64(n)), nil
	},
	"upper": func(_ *evaluator, args []Value) (Value, error) {
		if len(args) != 1 {
			return Undefined, fmt.Errorf("upper() takes exactly one argument")
		}
		return String(strings.ToUpper(args[0].Stringify())), nil
	},
	"lower": func(_ *evaluator, args []Value) (Value, error) {
		if len(args) != 1 {
			return Undefined, fmt.Errorf("lower() takes exactly one argument")
		}
		return String(strings.ToLower(args[0].Stringify())), nil
	},
	"now": func(ev *evaluator, args []Value) (Value, error) {
		if len(args) != 0 {
			return Undefined, fmt.Errorf("now() takes no arguments")
		}
		return String(ev.clock().UTC().Format(time.RFC3339)), nil
	},
	// date() renders the current date; date(layout) renders the current
	// time with a Go reference layout; date(value, layout) parses an
	// RFC3339 value and reformats it.
	"date": func(ev *evaluator, args []Value) (Value, error) {
		switch len(args) {
		case 0:
			return String(ev.clock().UTC().Format("2006-01-02")), nil
		case 1:
			return String(ev.clock().UTC().Format(args[0].Stringify())), nil
		case 2:
			t, err := time.Parse(time.RFC3339, args[0].Stringify())
			if err != nil {
				return Undefined, nil
			}
			return String(t.UTC().Format(args[1].Stringify())), nil
		default:
			return Undefined, fmt.Errorf("date() takes at most two arguments")
		}
	},
	"json": func(_ *evaluator, args []Value) (Value, error) {
		if len(args) != 1 {
			return Undefined, fmt.Errorf("json() takes exactly one argument")
		}
		raw, err := json.Marshal(args[0].Any())
		if err != nil {
			return Undefined, fmt.Errorf("json(): %w", err)
		}
		return String(string(raw)), nil
	},
}
