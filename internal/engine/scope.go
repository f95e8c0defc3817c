// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/flowmesh/flowmesh/internal/expr"
	"github.com/flowmesh/flowmesh/internal/models"
)

// runScope is the mutable variable context of one run. Resolution order:
// outputAs aliases, then the fixed base bindings (input, user, credential,
// platform names, env, workflowId, runId). Step outputs hang off the
// "steps" object keyed by step id.
//
// Mutation happens only between steps on the executing goroutine; parallel
// loop iterations read the scope through immutable overlay bindings.
type runScope struct {
	base    map[string]expr.Value
	steps   map[string]expr.Value
	aliases map[string]expr.Value
}

func newRunScope(wf *models.Workflow, run *models.Run, creds map[string]string, env map[string]string) *runScope {
	base := map[string]expr.Value{
		"workflowId": expr.String(wf.ID),
		"runId":      expr.String(run.ID),
		"input":      expr.FromAny(anyMap(run.Input)),
	}

	credObj := make(map[string]expr.Value, len(creds))
	for platform, secret := range creds {
		credObj[platform] = expr.String(secret)
		// Each platform name resolves at top level too, unless a fixed
		// binding already owns the name.
		if _, taken := base[platform]; !taken {
			base[platform] = expr.String(secret)
		}
	}
	credentials := expr.Object(credObj)
	base["user"] = credentials
	base["credential"] = credentials

	envObj := make(map[string]expr.Value, len(env))
	for name, v := range env {
		envObj[name] = expr.String(v)
	}
	base["env"] = expr.Object(envObj)

	return &runScope{
		base:    base,
		steps:   make(map[string]expr.Value),
		aliases: make(map[string]expr.Value),
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Resolve implements expr.Scope.
func (s *runScope) Resolve(name string) (expr.Value, bool) {
	if name == "steps" {
		return expr.Object(s.steps), true
	}
	if v, ok := s.aliases[name]; ok {
		return v, true
	}
	v, ok := s.base[name]
	return v, ok
}

// bindStep records a completed step's output under steps.<id> and, when the
// step declares outputAs, under that alias as well.
func (s *runScope) bindStep(step *models.Step, output any) {
	v := expr.FromAny(output)
	s.steps[step.ID] = v
	if step.OutputAs != "" {
		s.aliases[step.OutputAs] = v
	}
}

// withBinding overlays one name on top of the scope, for loop iteration
// variables. The overlay is immutable and safe to share across goroutines.
func (s *runScope) withBinding(name string, value any) expr.Scope {
	return &overlayScope{parent: s, name: name, value: expr.FromAny(value)}
}

type overlayScope struct {
	parent expr.Scope
	name   string
	value  expr.Value
}

func (o *overlayScope) Resolve(name string) (expr.Value, bool) {
	if name == o.name {
		return o.value, true
	}
	return o.parent.Resolve(name)
}
