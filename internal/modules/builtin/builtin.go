// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package builtin ships the utility, data and network modules bundled with
// every worker. Integration modules register through the same surface.
package builtin

import (
	"fmt"
	"net/http"

	"github.com/flowmesh/flowmesh/internal/expr"
	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/registry"
)

// Categories returns the built-in category set walked at preload.
func Categories(client *http.Client) []registry.Category {
	return []registry.Category{
		{Name: "utilities", Load: loadUtilities},
		{Name: "data", Load: loadData},
		{Name: "net", Load: func() (map[string]registry.Module, map[string]error) {
			return loadNet(client)
		}},
	}
}

func inputString(inputs map[string]any, key string) (string, error) {
	v, ok := inputs[key]
	if !ok {
		return "", models.NewModuleError(models.ErrKindValidation, "missing input %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", models.NewModuleError(models.ErrKindValidation, "input %q must be a string, got %T", key, v)
	}
	return s, nil
}

func optionalString(inputs map[string]any, key, fallback string) string {
	if v, ok := inputs[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func inputNumber(inputs map[string]any, key string) (float64, error) {
	v, ok := inputs[key]
	if !ok {
		return 0, models.NewModuleError(models.ErrKindValidation, "missing input %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
			return 0, models.NewModuleError(models.ErrKindValidation, "input %q is not a number", key)
		}
		return f, nil
	default:
		return 0, models.NewModuleError(models.ErrKindValidation, "input %q must be a number, got %T", key, v)
	}
}

func stringify(v any) string {
	return expr.FromAny(v).Stringify()
}
