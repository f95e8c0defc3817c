// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry maps dotted module names (social.twitter.reply) to
// functions. It is preloaded at worker startup and read-only afterwards.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/internal/models"
)

// Module is the uniform function contract every integration implements.
// The return value must be JSON-serializable.
type Module func(ctx context.Context, inputs map[string]any, rc *Context) (any, error)

// CredentialSource resolves plaintext secrets for the current run.
type CredentialSource interface {
	Get(platform string) (string, bool)
}

// StateAccess exposes the durable per-workflow state store to modules.
type StateAccess interface {
	Save(workflowID, key string, value any, ttl time.Duration, force bool) (version int, err error)
	Load(workflowID, key string) (any, error)
}

// Context is the per-invocation surface handed to modules.
type Context struct {
	RunID       string
	WorkflowID  string
	Logger      *slog.Logger
	Credentials CredentialSource
	State       StateAccess
}

// Registry is the name -> function lookup. Read-only after Seal.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	sealed  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register binds a dotted name to a function.
func (r *Registry) Register(name string, fn Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry is sealed")
	}
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	if fn == nil {
		return fmt.Errorf("module %q has a nil function", name)
	}
	r.modules[name] = fn
	return nil
}

// RegisterErrorStub binds a name to a function that fails every invocation
// with a permanent error. Used when a module fails to load so workflows
// referencing it fail at run time with a clear message instead of an
// unknown-module error.
func (r *Registry) RegisterErrorStub(name string, cause error) {
	stub := func(context.Context, map[string]any, *Context) (any, error) {
		return nil, models.NewModuleError(models.ErrKindPermanent,
			"module %s failed to load: %v", name, cause)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.modules[name] = stub
}

// Get resolves a module by dotted name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.modules[name]
	return fn, ok
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Category is one loadable group of modules (social, content, data, ...).
type Category struct {
	Name string
	// Load builds the category's modules. Per-module failures are
	// reported in the second map and registered as error stubs.
	Load func() (map[string]Module, map[string]error)
}

// Report summarizes a preload walk.
type Report struct {
	Total    int           `json:"total"`
	Success  int           `json:"success"`
	Fail     int           `json:"fail"`
	Duration time.Duration `json:"durationMs"`
}

// Preload walks the categories, registers every module and seals the
// registry. Per-module failures become error stubs; the walk never aborts.
func (r *Registry) Preload(logger *slog.Logger, categories []Category) Report {
	start := time.Now()
	var report Report
	for _, cat := range categories {
		mods, failures := cat.Load()
		for name, fn := range mods {
			report.Total++
			if err := r.Register(name, fn); err != nil {
				logger.Warn("Module registration failed", "module", name, "error", err)
				report.Fail++
				continue
			}
			report.Success++
		}
		for name, cause := range failures {
			report.Total++
			report.Fail++
			logger.Warn("Module failed to load, registering error stub",
				"category", cat.Name, "module", name, "error", cause)
			r.RegisterErrorStub(name, cause)
		}
	}
	r.Seal()
	report.Duration = time.Since(start)
	logger.Info("Module registry preloaded",
		"total", report.Total, "success", report.Success,
		"fail", report.Fail, "duration_ms", report.Duration.Milliseconds())
	return report
}
