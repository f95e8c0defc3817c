// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/registry"
)

func loadData() (map[string]registry.Module, map[string]error) {
	return map[string]registry.Module{
		"data.json.parse":     jsonParse,
		"data.json.stringify": jsonStringify,
		"data.json.get":       jsonGet,
		"data.storage.save":   storageSave,
		"data.storage.load":   storageLoad,
	}, nil
}

func jsonParse(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	text, err := inputString(inputs, "text")
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, models.NewModuleError(models.ErrKindValidation, "invalid JSON: %v", err)
	}
	return out, nil
}

func jsonStringify(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	v, ok := inputs["value"]
	if !ok {
		return nil, models.NewModuleError(models.ErrKindValidation, "missing input %q", "value")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, models.NewModuleError(models.ErrKindValidation, "value is not JSON-serializable: %v", err)
	}
	return string(raw), nil
}

// jsonGet walks a dotted path through objects and array indices. A missing
// segment yields null rather than an error.
func jsonGet(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	v, ok := inputs["value"]
	if !ok {
		return nil, models.NewModuleError(models.ErrKindValidation, "missing input %q", "value")
	}
	path, err := inputString(inputs, "path")
	if err != nil {
		return nil, err
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			idx, convErr := strconv.Atoi(seg)
			if convErr != nil || idx < 0 || idx >= len(node) {
				return nil, nil
			}
			cur = node[idx]
		default:
			return nil, nil
		}
	}
	return cur, nil
}

func storageSave(_ context.Context, inputs map[string]any, rc *registry.Context) (any, error) {
	key, err := inputString(inputs, "key")
	if err != nil {
		return nil, err
	}
	value, ok := inputs["value"]
	if !ok {
		return nil, models.NewModuleError(models.ErrKindValidation, "missing input %q", "value")
	}
	var ttl time.Duration
	if raw, ok := inputs["ttlSeconds"]; ok {
		secs, err := inputNumber(map[string]any{"ttlSeconds": raw}, "ttlSeconds")
		if err != nil {
			return nil, err
		}
		ttl = time.Duration(secs) * time.Second
	}
	force, _ := inputs["force"].(bool)
	if rc == nil || rc.State == nil {
		return nil, models.NewModuleError(models.ErrKindInternal, "state store unavailable")
	}
	version, err := rc.State.Save(rc.WorkflowID, key, value, ttl, force)
	if err != nil {
		return nil, models.NewModuleError(models.ErrKindInternal, "state save failed: %v", err)
	}
	return map[string]any{"key": key, "version": version}, nil
}

func storageLoad(_ context.Context, inputs map[string]any, rc *registry.Context) (any, error) {
	key, err := inputString(inputs, "key")
	if err != nil {
		return nil, err
	}
	if rc == nil || rc.State == nil {
		return nil, models.NewModuleError(models.ErrKindInternal, "state store unavailable")
	}
	value, err := rc.State.Load(rc.WorkflowID, key)
	if err != nil {
		return nil, models.NewModuleError(models.ErrKindInternal, "state load failed: %v", err)
	}
	return value, nil
}
