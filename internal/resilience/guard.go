// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"
)

// GuardConfig parameterizes one named guard.
type GuardConfig struct {
	Limiter LimiterConfig `koanf:"limiter"`
	Breaker BreakerConfig `koanf:"breaker"`
	// Timeout bounds each wrapped call. Default 30s.
	Timeout time.Duration `koanf:"timeout"`
}

// Guard composes the three primitives in fixed order:
// rate-limit -> breaker -> timeout -> call.
type Guard struct {
	name    string
	limiter *Limiter
	breaker *Breaker
	timeout time.Duration
}

// NewGuard builds a guard for one named scope.
func NewGuard(name string, cfg GuardConfig) *Guard {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Guard{
		name:    name,
		limiter: NewLimiter(cfg.Limiter),
		breaker: NewBreaker(name, cfg.Breaker),
		timeout: timeout,
	}
}

// Do runs fn under the guard. A timeout counts as a failure toward the
// breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	release, err := g.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return g.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
}

// BreakerState exposes the underlying breaker state for metrics.
func (g *Guard) BreakerState() string { return g.breaker.State() }

// Name returns the guard's scope name.
func (g *Guard) Name() string { return g.name }

// GuardSet lazily builds one guard per scope name.
type GuardSet struct {
	mu       sync.Mutex
	guards   map[string]*Guard
	defaults GuardConfig
	perScope map[string]GuardConfig
}

// NewGuardSet builds a set with a default config and optional per-scope
// overrides.
func NewGuardSet(defaults GuardConfig, perScope map[string]GuardConfig) *GuardSet {
	return &GuardSet{
		guards:   make(map[string]*Guard),
		defaults: defaults,
		perScope: perScope,
	}
}

// Get returns the guard for a scope, creating it on first use.
func (s *GuardSet) Get(scope string) *Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guards[scope]; ok {
		return g
	}
	cfg := s.defaults
	if override, ok := s.perScope[scope]; ok {
		cfg = override
	}
	g := NewGuard(scope, cfg)
	s.guards[scope] = g
	return g
}

// States snapshots every scope's breaker state for metrics export.
func (s *GuardSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.guards))
	for name, g := range s.guards {
		out[name] = g.BreakerState()
	}
	return out
}
