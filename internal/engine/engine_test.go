// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/internal/resilience"
)

func testEngine(t *testing.T, mods map[string]registry.Module, opts ...Option) *Engine {
	t.Helper()
	reg := registry.New()
	for name, fn := range mods {
		if err := reg.Register(name, fn); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	reg.Seal()
	guards := resilience.NewGuardSet(resilience.GuardConfig{Timeout: 5 * time.Second}, nil)
	opts = append([]Option{WithRetryBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	return New(reg, guards, slog.New(slog.DiscardHandler), opts...)
}

func upperModule(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	s := inputs["text"].(string)
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out), nil
}

func echoModule(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	return inputs["v"], nil
}

func addModule(_ context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
	toF := func(v any) float64 {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
		return 0
	}
	return toF(inputs["a"]) + toF(inputs["b"]), nil
}

func newRun(wf *models.Workflow, input map[string]any) *models.Run {
	return &models.Run{
		ID:          "run-1",
		WorkflowID:  wf.ID,
		UserID:      "user-1",
		TriggeredBy: models.TriggerManual,
		Input:       input,
		Status:      models.RunStatusQueued,
		EnqueuedAt:  time.Now(),
	}
}

func TestSingleStepSuccess(t *testing.T) {
	e := testEngine(t, map[string]registry.Module{"utilities.string.upper": upperModule})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{{ID: "a", Module: "utilities.string.upper", Inputs: map[string]any{"text": "hi"}}},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	if run.Output != "HI" {
		t.Errorf("output = %v, want HI", run.Output)
	}
	if len(run.Steps) != 1 || run.Steps[0].Status != models.StepStatusSuccess {
		t.Errorf("steps = %+v", run.Steps)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Error("timestamps not set")
	}
}

func TestInterpolationAndChaining(t *testing.T) {
	e := testEngine(t, map[string]registry.Module{
		"utilities.echo":     echoModule,
		"utilities.math.add": addModule,
	})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{
				{ID: "x", Module: "utilities.echo", Inputs: map[string]any{"v": float64(5)}, OutputAs: "n"},
				{ID: "y", Module: "utilities.math.add", Inputs: map[string]any{"a": "{{ n }}", "b": float64(3)}},
			},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	if run.Steps[1].Output != float64(8) {
		t.Errorf("steps.y output = %v, want 8", run.Steps[1].Output)
	}
}

func TestClockPinsTimeBuiltins(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	e := testEngine(t, map[string]registry.Module{"utilities.echo": echoModule},
		WithClock(func() time.Time { return fixed }))
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{{
				ID:        "a",
				Module:    "utilities.echo",
				Inputs:    map[string]any{"v": "{{ now() }}"},
				Condition: `date() == "2026-03-14"`,
			}},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	if run.Steps[0].Status == models.StepStatusSkipped {
		t.Fatal("condition on the pinned date must hold")
	}
	if run.Output != "2026-03-14T09:26:53Z" {
		t.Errorf("output = %v, want the pinned timestamp", run.Output)
	}
}

func TestTransientRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	flaky := func(context.Context, map[string]any, *registry.Context) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, models.NewModuleError(models.ErrKindTransient, "upstream hiccup")
		}
		return "ok", nil
	}
	e := testEngine(t, map[string]registry.Module{"net.flaky": flaky})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{{ID: "a", Module: "net.flaky", Retries: 2}},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	if run.Steps[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", run.Steps[0].Attempts)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	failing := func(context.Context, map[string]any, *registry.Context) (any, error) {
		calls.Add(1)
		return nil, models.NewModuleError(models.ErrKindPermanent, "bad request")
	}
	e := testEngine(t, map[string]registry.Module{"net.fail": failing})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{{ID: "a", Module: "net.fail", Retries: 5}},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusError {
		t.Fatalf("status = %s", run.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if run.Error == nil || run.Error.Kind != models.ErrKindPermanent {
		t.Errorf("error = %+v", run.Error)
	}
}

func TestConditionSkip(t *testing.T) {
	e := testEngine(t, map[string]registry.Module{"utilities.echo": echoModule})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{
				{ID: "a", Module: "utilities.echo", Inputs: map[string]any{"v": "ran"}, Condition: "input.go == true"},
				{ID: "b", Module: "utilities.echo", Inputs: map[string]any{"v": "always"}},
			},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, map[string]any{"go": false}), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	if run.Steps[0].Status != models.StepStatusSkipped {
		t.Errorf("step a status = %s, want skipped", run.Steps[0].Status)
	}
	if run.Output != "always" {
		t.Errorf("output = %v; skipped step must not contribute output", run.Output)
	}
}

func TestContinueOnError(t *testing.T) {
	failing := func(context.Context, map[string]any, *registry.Context) (any, error) {
		return nil, models.NewModuleError(models.ErrKindPermanent, "nope")
	}
	e := testEngine(t, map[string]registry.Module{
		"net.fail":       failing,
		"utilities.echo": echoModule,
	})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{
				{ID: "a", Module: "net.fail", ContinueOnError: true},
				{ID: "b", Module: "utilities.echo", Inputs: map[string]any{"v": "after"}},
			},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	if run.Steps[0].Status != models.StepStatusError {
		t.Errorf("step a status = %s", run.Steps[0].Status)
	}
	if run.Output != "after" {
		t.Errorf("output = %v", run.Output)
	}
}

func TestSequentialLoop(t *testing.T) {
	e := testEngine(t, map[string]registry.Module{"utilities.echo": echoModule})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{{
				ID:     "a",
				Module: "utilities.echo",
				Inputs: map[string]any{"v": "{{ item }}"},
				Loop:   &models.Loop{Over: "input.items", As: "item"},
			}},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, map[string]any{
		"items": []any{"x", "y", "z"},
	}), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	out, ok := run.Output.([]any)
	if !ok || len(out) != 3 || out[0] != "x" || out[1] != "y" || out[2] != "z" {
		t.Errorf("output = %v", run.Output)
	}
}

func TestParallelLoopIndexedByIteration(t *testing.T) {
	// Later iterations finish first; the aggregate must stay in
	// declaration order.
	slowEcho := func(ctx context.Context, inputs map[string]any, _ *registry.Context) (any, error) {
		n := inputs["v"].(float64)
		select {
		case <-time.After(time.Duration(30-int(n)*10) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return n, nil
	}
	e := testEngine(t, map[string]registry.Module{"utilities.slow": slowEcho})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{{
				ID:     "a",
				Module: "utilities.slow",
				Inputs: map[string]any{"v": "{{ n }}"},
				Loop:   &models.Loop{Over: "input.items", As: "n", Parallel: true, Concurrency: 3},
			}},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, map[string]any{
		"items": []any{float64(0), float64(1), float64(2)},
	}), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	out := run.Output.([]any)
	for i, v := range out {
		if v != float64(i) {
			t.Errorf("out[%d] = %v, want %d", i, v, i)
		}
	}
}

func TestReturnValue(t *testing.T) {
	e := testEngine(t, map[string]registry.Module{"utilities.echo": echoModule})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{
				{ID: "a", Module: "utilities.echo", Inputs: map[string]any{"v": "world"}, OutputAs: "who"},
			},
			ReturnValue: `"hello " + who`,
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	if run.Output != "hello world" {
		t.Errorf("output = %v", run.Output)
	}
}

func TestRunTimeout(t *testing.T) {
	sleeper := func(ctx context.Context, _ map[string]any, _ *registry.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := testEngine(t, map[string]registry.Module{"utilities.sleep": sleeper})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			TimeoutMS: 50,
			Steps:     []models.Step{{ID: "a", Module: "utilities.sleep"}},
		},
	}

	start := time.Now()
	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusError {
		t.Fatalf("status = %s", run.Status)
	}
	if run.Error == nil || run.Error.Kind != models.ErrKindTimeout {
		t.Errorf("error = %+v, want timeout", run.Error)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("run overran its timeout: %s", elapsed)
	}
}

func TestCancellation(t *testing.T) {
	sleeper := func(ctx context.Context, _ map[string]any, _ *registry.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := testEngine(t, map[string]registry.Module{"utilities.sleep": sleeper})
	wf := &models.Workflow{
		ID:     "wf-1",
		Config: models.WorkflowConfig{Steps: []models.Step{{ID: "a", Module: "utilities.sleep"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	run := e.Execute(ctx, wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusCancelled {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
}

func TestUnknownModule(t *testing.T) {
	e := testEngine(t, nil)
	wf := &models.Workflow{
		ID:     "wf-1",
		Config: models.WorkflowConfig{Steps: []models.Step{{ID: "a", Module: "social.unheard.of"}}},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusError {
		t.Fatalf("status = %s", run.Status)
	}
	if run.Error.Kind != models.ErrKindValidation {
		t.Errorf("kind = %s, want validation", run.Error.Kind)
	}
}

func TestCredentialProjections(t *testing.T) {
	var seen []string
	capture := func(_ context.Context, inputs map[string]any, rc *registry.Context) (any, error) {
		seen = append(seen, inputs["a"].(string), inputs["b"].(string), inputs["c"].(string))
		direct, _ := rc.Credentials.Get("openai")
		seen = append(seen, direct)
		return nil, nil
	}
	e := testEngine(t, map[string]registry.Module{"utilities.capture": capture})
	wf := &models.Workflow{
		ID: "wf-1",
		Config: models.WorkflowConfig{
			Steps: []models.Step{{ID: "a", Module: "utilities.capture", Inputs: map[string]any{
				"a": "{{ user.openai }}",
				"b": "{{ credential.openai }}",
				"c": "{{ openai }}",
			}}},
		},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), map[string]string{"openai": "sk-test"})

	if run.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, err = %v", run.Status, run.Error)
	}
	for i, v := range seen {
		if v != "sk-test" {
			t.Errorf("projection %d = %q, want sk-test", i, v)
		}
	}
}

func TestModulePanicBecomesInternalError(t *testing.T) {
	boom := func(context.Context, map[string]any, *registry.Context) (any, error) {
		panic("boom")
	}
	e := testEngine(t, map[string]registry.Module{"utilities.boom": boom})
	wf := &models.Workflow{
		ID:     "wf-1",
		Config: models.WorkflowConfig{Steps: []models.Step{{ID: "a", Module: "utilities.boom"}}},
	}

	run := e.Execute(context.Background(), wf, newRun(wf, nil), nil)

	if run.Status != models.RunStatusError {
		t.Fatalf("status = %s", run.Status)
	}
	if run.Error.Kind != models.ErrKindInternal {
		t.Errorf("kind = %s, want internal", run.Error.Kind)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt not set after panic")
	}
}
