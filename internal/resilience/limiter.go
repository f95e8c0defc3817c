// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the per-scope rate limiter, per-function
// circuit breaker and timeout that wrap every outbound module call. State is
// per process: a multi-worker deployment may exceed provider limits unless a
// coordinated limiter fronts it, which is an accepted trade-off of
// horizontal scaling.
package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/flowmesh/flowmesh/internal/models"
)

// LimiterConfig parameterizes a named limiter scope.
type LimiterConfig struct {
	// MaxConcurrent bounds in-flight calls. Zero means unlimited.
	MaxConcurrent int `koanf:"max_concurrent"`
	// MinTime is the minimum gap between call starts. Zero disables pacing.
	MinTime time.Duration `koanf:"min_time"`
	// Reservoir caps calls per refresh window (token bucket). Zero
	// disables the reservoir.
	Reservoir                int           `koanf:"reservoir"`
	ReservoirRefreshAmount   int           `koanf:"reservoir_refresh_amount"`
	ReservoirRefreshInterval time.Duration `koanf:"reservoir_refresh_interval"`
}

// Limiter enforces concurrency and arrival-rate constraints for one scope.
type Limiter struct {
	sem  *semaphore.Weighted
	pace *rate.Limiter

	mu         sync.Mutex
	tokens     int
	refill     int
	interval   time.Duration
	lastRefill time.Time
	reservoir  bool
}

// NewLimiter builds a limiter from config.
func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{}
	if cfg.MaxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.MinTime > 0 {
		l.pace = rate.NewLimiter(rate.Every(cfg.MinTime), 1)
	}
	if cfg.Reservoir > 0 {
		l.reservoir = true
		l.tokens = cfg.Reservoir
		l.refill = cfg.ReservoirRefreshAmount
		if l.refill <= 0 {
			l.refill = cfg.Reservoir
		}
		l.interval = cfg.ReservoirRefreshInterval
		l.lastRefill = time.Now()
	}
	return l
}

// Acquire blocks until the call may start and returns a release function.
// Reservoir exhaustion does not block; it fails immediately with a
// rate-limited error so the retry policy can back off.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.reservoir && !l.takeToken() {
		return nil, models.NewModuleError(models.ErrKindRateLimited, "rate limiter reservoir exhausted")
	}

	release := func() {}
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		release = func() { l.sem.Release(1) }
	}
	if l.pace != nil {
		if err := l.pace.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// takeToken refills elapsed intervals lazily, then spends one token.
func (l *Limiter) takeToken() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.interval > 0 {
		elapsed := time.Since(l.lastRefill)
		if intervals := int(elapsed / l.interval); intervals > 0 {
			// Each refresh resets the reservoir to the refresh amount.
			l.tokens = l.refill
			l.lastRefill = l.lastRefill.Add(time.Duration(intervals) * l.interval)
		}
	}
	if l.tokens <= 0 {
		return false
	}
	l.tokens--
	return true
}
