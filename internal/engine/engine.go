// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine turns a workflow document plus trigger input into a
// finished run. Execute never returns an error to the caller; every failure
// mode lands inside the run record.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/internal/expr"
	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/internal/resilience"
)

// Engine executes workflows against a sealed module registry. Safe for
// concurrent use; per-run state lives on the stack of Execute.
type Engine struct {
	registry *registry.Registry
	guards   *resilience.GuardSet
	logger   *slog.Logger
	state    registry.StateAccess
	env      map[string]string
	clock    func() time.Time

	retryInitial time.Duration
	retryMax     time.Duration
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithState wires the durable per-workflow state store exposed to modules.
func WithState(s registry.StateAccess) Option {
	return func(e *Engine) { e.state = s }
}

// WithEnv sets the whitelisted environment variables visible as env.* in
// the run context.
func WithEnv(env map[string]string) Option {
	return func(e *Engine) { e.env = env }
}

// WithClock pins the engine clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRetryBackoff overrides the retry backoff bounds.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.retryInitial = initial
		e.retryMax = max
	}
}

// New builds an engine.
func New(reg *registry.Registry, guards *resilience.GuardSet, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:     reg,
		guards:       guards,
		logger:       logger,
		clock:        time.Now,
		retryInitial: 500 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the workflow to a terminal status, filling in the run's
// steps, output, error and timestamps. The credential map is plaintext and
// must never escape into the run record or logs.
func (e *Engine) Execute(ctx context.Context, wf *models.Workflow, run *models.Run, creds map[string]string) *models.Run {
	start := e.clock()
	run.StartedAt = &start
	run.Status = models.RunStatusRunning

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Run panicked", "runId", run.ID, "workflowId", wf.ID, "panic", fmt.Sprint(r))
			run.Status = models.RunStatusError
			run.Error = models.NewModuleError(models.ErrKindInternal, "internal execution failure")
		}
		finished := e.clock()
		run.FinishedAt = &finished
	}()

	runCtx, cancel := context.WithTimeout(ctx, wf.Timeout())
	defer cancel()

	scope := newRunScope(wf, run, creds, e.env)
	rc := &registry.Context{
		RunID:      run.ID,
		WorkflowID: wf.ID,
		Logger:     e.logger.With("runId", run.ID, "workflowId", wf.ID),
		Credentials: credentialMap(creds),
		State:       e.state,
	}

	var lastOutput any
	haveOutput := false

	for i := range wf.Config.Steps {
		step := &wf.Config.Steps[i]

		if err := runCtx.Err(); err != nil {
			run.Status = models.RunStatusError
			run.Error = e.classifyRunErr(ctx, runCtx, models.ClassifyError(err), wf)
			if run.Error.Kind == models.ErrKindCancelled {
				run.Status = models.RunStatusCancelled
			}
			return run
		}

		result := e.runStep(runCtx, wf, step, scope, rc)
		run.Steps = append(run.Steps, result)

		switch result.Status {
		case models.StepStatusSkipped:
			continue
		case models.StepStatusSuccess:
			scope.bindStep(step, result.Output)
			lastOutput = result.Output
			haveOutput = true
		case models.StepStatusError:
			if step.ContinueOnError {
				scope.bindStep(step, nil)
				continue
			}
			run.Status = models.RunStatusError
			run.Error = e.classifyRunErr(ctx, runCtx, result.Error, wf)
			if run.Error.Kind == models.ErrKindCancelled {
				run.Status = models.RunStatusCancelled
			}
			return run
		}
	}

	if wf.Config.ReturnValue != "" {
		v, err := expr.EvalStringAt(wf.Config.ReturnValue, scope, e.clock)
		if err != nil {
			run.Status = models.RunStatusError
			run.Error = models.NewModuleError(models.ErrKindValidation, "returnValue: %v", err)
			return run
		}
		run.Output = v.Any()
	} else if haveOutput {
		run.Output = lastOutput
	}
	run.Status = models.RunStatusSuccess
	return run
}

// classifyRunErr upgrades a generic timeout/cancel into the run-level
// classification: the run deadline yields a timeout error, caller
// cancellation yields cancelled.
func (e *Engine) classifyRunErr(parent, runCtx context.Context, me *models.ModuleError, wf *models.Workflow) *models.ModuleError {
	if runCtx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		return models.NewModuleError(models.ErrKindTimeout, "run exceeded its %s timeout", wf.Timeout())
	}
	if parent.Err() == context.Canceled {
		return models.NewModuleError(models.ErrKindCancelled, "run cancelled")
	}
	return me
}

func (e *Engine) runStep(ctx context.Context, wf *models.Workflow, step *models.Step, scope *runScope, rc *registry.Context) models.StepResult {
	started := e.clock()
	result := models.StepResult{StepID: step.ID, StartedAt: started}

	finish := func() {
		result.FinishedAt = e.clock()
		result.DurationMS = result.FinishedAt.Sub(result.StartedAt).Milliseconds()
	}

	if step.Condition != "" {
		v, err := expr.EvalStringAt(step.Condition, scope, e.clock)
		if err != nil {
			result.Status = models.StepStatusError
			result.Error = models.NewModuleError(models.ErrKindValidation, "condition: %v", err)
			finish()
			return result
		}
		if !v.Truthy() {
			result.Status = models.StepStatusSkipped
			finish()
			return result
		}
	}

	var output any
	var attempts int
	var stepErr *models.ModuleError
	if step.Loop != nil {
		output, attempts, stepErr = e.runLoop(ctx, wf, step, scope, rc)
	} else {
		output, attempts, stepErr = e.invoke(ctx, wf, step, scope, rc)
	}

	result.Attempts = attempts
	if stepErr != nil {
		result.Status = models.StepStatusError
		result.Error = stepErr
	} else {
		result.Status = models.StepStatusSuccess
		result.Output = output
	}
	finish()
	return result
}

// runLoop evaluates the loop sequence and executes the step body once per
// item. Outputs are indexed by iteration number regardless of completion
// order.
func (e *Engine) runLoop(ctx context.Context, wf *models.Workflow, step *models.Step, scope *runScope, rc *registry.Context) (any, int, *models.ModuleError) {
	seq, err := expr.EvalStringAt(step.Loop.Over, scope, e.clock)
	if err != nil {
		return nil, 0, models.NewModuleError(models.ErrKindValidation, "loop over: %v", err)
	}
	items, ok := seq.Any().([]any)
	if !ok {
		return nil, 0, models.NewModuleError(models.ErrKindValidation,
			"loop over %q did not evaluate to a sequence", step.Loop.Over)
	}

	outputs := make([]any, len(items))
	attempts := make([]int, len(items))

	if step.Loop.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		limit := step.Loop.Concurrency
		if limit <= 0 {
			limit = 1
		}
		g.SetLimit(limit)
		for i, item := range items {
			g.Go(func() error {
				iter := scope.withBinding(step.Loop.As, item)
				out, n, invErr := e.invoke(gctx, wf, step, iter, rc)
				outputs[i] = out
				attempts[i] = n
				if invErr != nil {
					return invErr
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, sum(attempts), models.ClassifyError(err)
		}
	} else {
		for i, item := range items {
			iter := scope.withBinding(step.Loop.As, item)
			out, n, invErr := e.invoke(ctx, wf, step, iter, rc)
			attempts[i] = n
			if invErr != nil {
				return nil, sum(attempts), invErr
			}
			outputs[i] = out
		}
	}
	return outputs, sum(attempts), nil
}

func sum(ns []int) int {
	total := 0
	for _, n := range ns {
		total += n
	}
	return total
}

// invoke resolves the module, interpolates inputs and calls it through the
// guard with the step's retry policy. Only retryable kinds are retried.
func (e *Engine) invoke(ctx context.Context, wf *models.Workflow, step *models.Step, scope expr.Scope, rc *registry.Context) (any, int, *models.ModuleError) {
	fn, ok := e.registry.Get(step.Module)
	if !ok {
		return nil, 0, models.NewModuleError(models.ErrKindValidation, "unknown module %q", step.Module)
	}

	inputs, err := expr.InterpolateInputsAt(step.Inputs, scope, e.clock)
	if err != nil {
		return nil, 0, models.NewModuleError(models.ErrKindValidation, "inputs: %v", err)
	}

	guard := e.guards.Get(step.Module)
	budget := wf.StepRetries(step)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInitial
	policy.MaxInterval = e.retryMax
	policy.MaxElapsedTime = 0
	retrier := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(budget)), ctx)

	attempts := 0
	var output any
	opErr := backoff.Retry(func() error {
		attempts++
		out, callErr := guard.Do(ctx, func(callCtx context.Context) (any, error) {
			return fn(callCtx, inputs, rc)
		})
		if callErr == nil {
			output = out
			return nil
		}
		me := models.ClassifyError(callErr)
		if !me.Retryable || ctx.Err() != nil {
			return backoff.Permanent(me)
		}
		if me.RetryAfter > 0 {
			select {
			case <-time.After(me.RetryAfter):
			case <-ctx.Done():
				return backoff.Permanent(me)
			}
		}
		return me
	}, retrier)

	if opErr != nil {
		return nil, attempts, models.ClassifyError(opErr)
	}
	return output, attempts, nil
}

// credentialMap adapts the per-run plaintext map to the module surface.
type credentialMap map[string]string

func (m credentialMap) Get(platform string) (string, bool) {
	v, ok := m[platform]
	return v, ok
}
