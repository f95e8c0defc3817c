// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"context"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/registry"
)

func loadUtilities() (map[string]registry.Module, map[string]error) {
	return map[string]registry.Module{
		"utilities.string.upper":   stringUpper,
		"utilities.string.lower":   stringLower,
		"utilities.string.trim":    stringTrim,
		"utilities.string.concat":  stringConcat,
		"utilities.string.split":   stringSplit,
		"utilities.math.add":       mathAdd,
		"utilities.math.multiply":  mathMultiply,
		"utilities.echo":           echo,
		"utilities.flow.sleep":     flowSleep,
	}, nil
}

func stringUpper(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	text, err := inputString(inputs, "text")
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(text), nil
}

func stringLower(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	text, err := inputString(inputs, "text")
	if err != nil {
		return nil, err
	}
	return strings.ToLower(text), nil
}

func stringTrim(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	text, err := inputString(inputs, "text")
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(text), nil
}

func stringConcat(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	values, ok := inputs["values"].([]any)
	if !ok {
		return nil, models.NewModuleError(models.ErrKindValidation, "input \"values\" must be an array")
	}
	sep := optionalString(inputs, "separator", "")
	parts := make([]string, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			parts[i] = s
			continue
		}
		parts[i] = stringify(v)
	}
	return strings.Join(parts, sep), nil
}

func stringSplit(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	text, err := inputString(inputs, "text")
	if err != nil {
		return nil, err
	}
	sep := optionalString(inputs, "separator", ",")
	parts := strings.Split(text, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func mathAdd(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	a, err := inputNumber(inputs, "a")
	if err != nil {
		return nil, err
	}
	b, err := inputNumber(inputs, "b")
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func mathMultiply(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	a, err := inputNumber(inputs, "a")
	if err != nil {
		return nil, err
	}
	b, err := inputNumber(inputs, "b")
	if err != nil {
		return nil, err
	}
	return a * b, nil
}

// echo returns its v (or value) input unchanged; the canonical chaining and
// test module.
func echo(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	if v, ok := inputs["v"]; ok {
		return v, nil
	}
	if v, ok := inputs["value"]; ok {
		return v, nil
	}
	return nil, models.NewModuleError(models.ErrKindValidation, "missing input \"v\"")
}

// flowSleep pauses for ms milliseconds, observing cancellation.
func flowSleep(ctx context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	ms, err := inputNumber(inputs, "ms")
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
