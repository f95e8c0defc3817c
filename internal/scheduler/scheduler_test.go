// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/queue"
	"github.com/flowmesh/flowmesh/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *store.Store
	queue     *queue.Queue
	launcher  *Launcher
	scheduler *Scheduler
	clock     *fakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client)
	launcher := NewLauncher(st, q, client)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)}
	s := New(st, launcher, slog.New(slog.DiscardHandler), WithClock(clock.Now))
	return &fixture{store: st, queue: q, launcher: launcher, scheduler: s, clock: clock}
}

func cronWorkflow(t *testing.T, st *store.Store, id, expression string) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		ID:     id,
		UserID: "user-1",
		Name:   "every minute",
		Status: models.WorkflowStatusActive,
		Trigger: models.Trigger{
			Type:   models.TriggerCron,
			Config: models.TriggerConfig{Expression: expression},
		},
		Config: models.WorkflowConfig{Steps: []models.Step{{ID: "a", Module: "utilities.echo"}}},
	}
	require.NoError(t, st.CreateWorkflow(wf))
	return wf
}

func TestTickEnqueuesDueRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cronWorkflow(t, f.store, "wf-cron", "* * * * *")

	require.NoError(t, f.scheduler.Refresh(ctx))

	// Next fire is 12:01:00; nothing is due yet.
	f.scheduler.Tick(ctx)
	_, err := f.queue.Claim(ctx, time.Minute)
	require.ErrorIs(t, err, queue.ErrEmpty)

	f.clock.Advance(time.Minute)
	f.scheduler.Tick(ctx)

	item, err := f.queue.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "wf-cron", item.WorkflowID)

	run, err := f.store.GetRun(item.RunID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerCron, run.TriggeredBy)
	require.NotNil(t, run.ScheduledFor)
}

func TestTickDeduplicates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := cronWorkflow(t, f.store, "wf-cron", "* * * * *")

	at := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	_, err := f.launcher.Launch(ctx, wf, models.TriggerCron, nil, &at)
	require.NoError(t, err)

	_, err = f.launcher.Launch(ctx, wf, models.TriggerCron, nil, &at)
	require.ErrorIs(t, err, ErrDuplicateTick)

	runs, total, err := f.store.ListRuns(wf.ID, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, runs, 1)
}

func TestCatchUpEnqueuesAtMostOne(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	wf := &models.Workflow{
		ID:        "wf-cron",
		UserID:    "user-1",
		Name:      "every minute",
		Status:    models.WorkflowStatusActive,
		CreatedAt: f.clock.Now().Add(-2 * time.Hour),
		Trigger: models.Trigger{
			Type:   models.TriggerCron,
			Config: models.TriggerConfig{Expression: "* * * * *"},
		},
		Config: models.WorkflowConfig{Steps: []models.Step{{ID: "a", Module: "utilities.echo"}}},
	}
	require.NoError(t, f.store.CreateWorkflow(wf))

	// The scheduler was down for hours of ticks. Refresh discovers the
	// workflow and enqueues exactly one catch-up run.
	require.NoError(t, f.scheduler.Refresh(ctx))

	_, total, err := f.store.ListRuns("wf-cron", 1, 100)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestRefreshDropsPausedWorkflow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := cronWorkflow(t, f.store, "wf-cron", "* * * * *")
	require.NoError(t, f.scheduler.Refresh(ctx))

	wf.Status = models.WorkflowStatusPaused
	require.NoError(t, f.store.UpdateWorkflow(wf))
	require.NoError(t, f.scheduler.Refresh(ctx))

	f.clock.Advance(2 * time.Minute)
	f.scheduler.Tick(ctx)

	_, err := f.queue.Claim(ctx, time.Minute)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestInvalidCronExpressionSkipped(t *testing.T) {
	f := setup(t)
	cronWorkflow(t, f.store, "wf-bad", "not a cron line")
	require.NoError(t, f.scheduler.Refresh(context.Background()))

	f.clock.Advance(time.Hour)
	f.scheduler.Tick(context.Background())
	_, err := f.queue.Claim(context.Background(), time.Minute)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func webhookWorkflow(t *testing.T, st *store.Store, id, path, secret string) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		ID:     id,
		UserID: "user-1",
		Name:   "hook",
		Status: models.WorkflowStatusActive,
		Trigger: models.Trigger{
			Type:   models.TriggerWebhook,
			Config: models.TriggerConfig{Path: path, Secret: secret},
		},
		Config: models.WorkflowConfig{Steps: []models.Step{{ID: "a", Module: "utilities.echo"}}},
	}
	require.NoError(t, st.CreateWorkflow(wf))
	return wf
}

func TestWebhookDelivery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	webhookWorkflow(t, f.store, "wf-hook", "/hooks/orders", "")

	runs, err := f.scheduler.Deliver(ctx, "/hooks/orders",
		map[string]any{"orderId": "o-1"}, map[string]string{"X-Source": "shop"}, "")
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run, err := f.store.GetRun(runs[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerWebhook, run.TriggeredBy)
	body := run.Input["body"].(map[string]any)
	require.Equal(t, "o-1", body["orderId"])
	headers := run.Input["headers"].(map[string]any)
	require.Equal(t, "shop", headers["X-Source"])
}

func TestWebhookSecretVerification(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	webhookWorkflow(t, f.store, "wf-hook", "/hooks/secure", "s3cret")

	_, err := f.scheduler.Deliver(ctx, "/hooks/secure", nil, nil, "wrong")
	require.ErrorIs(t, err, ErrBadWebhookSecret)

	runs, err := f.scheduler.Deliver(ctx, "/hooks/secure", nil, nil, "s3cret")
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestWebhookUnknownPath(t *testing.T) {
	f := setup(t)
	_, err := f.scheduler.Deliver(context.Background(), "/hooks/nothing", nil, nil, "")
	require.ErrorIs(t, err, ErrNoWebhook)
}
