// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowmesh/flowmesh/internal/models"
)

// BreakerConfig parameterizes a named circuit breaker.
type BreakerConfig struct {
	// ErrorThresholdPercentage opens the breaker once the failure rate
	// over the rolling window reaches it. Default 50.
	ErrorThresholdPercentage float64 `koanf:"error_threshold_percentage"`
	// VolumeThreshold is the minimum number of calls in the window before
	// the failure rate is considered. Default 3.
	VolumeThreshold uint32 `koanf:"volume_threshold"`
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default 60s.
	ResetTimeout time.Duration `koanf:"reset_timeout"`
	// Window is the rolling window over which failures are counted.
	Window time.Duration `koanf:"window"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = 50
	}
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// Breaker is a per-function failure-rate guard with closed, open and
// half-open states.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker named after the function it guards.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one half-open probe
		Interval:    cfg.Window,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.VolumeThreshold {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return failureRate >= cfg.ErrorThresholdPercentage
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. Fail-fasts surface as a breaker-open
// module error without invoking fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", b.cb.Name(), models.ErrBreakerOpen)
		}
		return nil, err
	}
	return out, nil
}

// State reports the current breaker state as closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
