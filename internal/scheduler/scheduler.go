// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler materializes trigger events into queued runs: cron
// ticks, webhook deliveries and manual requests all funnel through the
// same launcher.
package scheduler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/store"
)

// catchUpLookback bounds the backwards search for the most recent missed
// tick at startup.
const catchUpLookback = 25 * time.Hour

// ErrBadWebhookSecret is returned when a delivery fails secret
// verification.
var ErrBadWebhookSecret = errors.New("webhook secret mismatch")

// ErrNoWebhook is returned when no active workflow listens on a path.
var ErrNoWebhook = errors.New("no workflow registered for webhook path")

type cronEntry struct {
	workflow *models.Workflow
	schedule cron.Schedule
	next     time.Time
}

// Scheduler drives cron triggers and resolves webhook deliveries.
type Scheduler struct {
	store    *store.Store
	launcher *Launcher
	logger   *slog.Logger
	parser   cron.Parser
	clock    func() time.Time
	interval time.Duration
	catchUp  bool

	mu      sync.Mutex
	entries map[string]*cronEntry
}

// Option adjusts scheduler construction.
type Option func(*Scheduler)

// WithClock pins the scheduler clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithPollInterval overrides the tick poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithCatchUp toggles enqueueing a missed tick when a workflow first enters
// the cron table.
func WithCatchUp(enabled bool) Option {
	return func(s *Scheduler) { s.catchUp = enabled }
}

// New builds a scheduler.
func New(st *store.Store, launcher *Launcher, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		launcher: launcher,
		logger:   logger,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom |
			cron.Month | cron.Dow | cron.Descriptor),
		clock:    time.Now,
		interval: time.Second,
		catchUp:  true,
		entries:  make(map[string]*cronEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh reloads the cron table from the store. Called at startup and
// whenever a workflow's status or trigger changes, so edits take effect
// without a restart.
func (s *Scheduler) Refresh(ctx context.Context) error {
	workflows, err := s.store.ListActiveCronWorkflows()
	if err != nil {
		return fmt.Errorf("loading cron workflows: %w", err)
	}

	now := s.clock()
	entries := make(map[string]*cronEntry, len(workflows))
	for _, wf := range workflows {
		schedule, err := s.parseSchedule(wf)
		if err != nil {
			s.logger.Warn("Skipping workflow with invalid cron expression",
				"workflowId", wf.ID, "expression", wf.Trigger.Config.Expression, "error", err)
			continue
		}
		entry := &cronEntry{workflow: wf, schedule: schedule, next: schedule.Next(now)}

		s.mu.Lock()
		prev, known := s.entries[wf.ID]
		s.mu.Unlock()
		if known && !prev.next.IsZero() && prev.next.After(now) {
			// Keep the already computed fire time across refreshes.
			entry.next = prev.next
		} else if !known && s.catchUp {
			s.replayMissedTick(ctx, wf, schedule, now)
		}
		entries[wf.ID] = entry
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	s.logger.Info("Cron table refreshed", "workflows", len(entries))
	return nil
}

// catchUp enqueues at most one run for the most recent tick missed while
// the scheduler was down. The full backlog is never replayed, and ticks
// before the workflow existed do not count.
func (s *Scheduler) replayMissedTick(ctx context.Context, wf *models.Workflow, schedule cron.Schedule, now time.Time) {
	cursor := now.Add(-catchUpLookback)
	if wf.CreatedAt.After(cursor) {
		cursor = wf.CreatedAt
	}
	var missed time.Time
	for i := 0; i < 100000; i++ {
		next := schedule.Next(cursor)
		if next.IsZero() || next.After(now) {
			break
		}
		missed = next
		cursor = next
	}
	if missed.IsZero() {
		return
	}
	_, err := s.launcher.Launch(ctx, wf, models.TriggerCron, nil, &missed)
	if errors.Is(err, ErrDuplicateTick) {
		return
	}
	if err != nil {
		s.logger.Error("Catch-up launch failed", "workflowId", wf.ID, "error", err)
		return
	}
	s.logger.Info("Enqueued catch-up run", "workflowId", wf.ID, "scheduledFor", missed)
}

func (s *Scheduler) parseSchedule(wf *models.Workflow) (cron.Schedule, error) {
	expression := wf.Trigger.Config.Expression
	if tz := wf.Trigger.Config.Timezone; tz != "" && !strings.HasPrefix(expression, "TZ=") && !strings.HasPrefix(expression, "CRON_TZ=") {
		expression = "CRON_TZ=" + tz + " " + expression
	}
	return s.parser.Parse(expression)
}

// Run polls for due ticks until ctx is done. Start it in its own
// goroutine after the first Refresh.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due cron entry once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()

	s.mu.Lock()
	var due []*cronEntry
	for _, entry := range s.entries {
		if !entry.next.IsZero() && !entry.next.After(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		fireAt := entry.next
		_, err := s.launcher.Launch(ctx, entry.workflow, models.TriggerCron, nil, &fireAt)
		switch {
		case errors.Is(err, ErrDuplicateTick):
			// Another process won this tick.
		case err != nil:
			s.logger.Error("Cron launch failed",
				"workflowId", entry.workflow.ID, "scheduledFor", fireAt, "error", err)
		default:
			s.logger.Info("Cron run enqueued",
				"workflowId", entry.workflow.ID, "scheduledFor", fireAt)
		}

		s.mu.Lock()
		entry.next = entry.schedule.Next(now)
		s.mu.Unlock()
	}
}

// Deliver resolves a webhook delivery to runs: every active workflow
// listening on the path gets one, after secret verification where the
// workflow configures one.
func (s *Scheduler) Deliver(ctx context.Context, path string, body any, headers map[string]string, secret string) ([]*models.Run, error) {
	workflows, err := s.store.FindWorkflowsByWebhookPath(path)
	if err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, ErrNoWebhook
	}

	input := map[string]any{"body": body, "headers": headersToAny(headers)}
	var runs []*models.Run
	for _, wf := range workflows {
		if want := wf.Trigger.Config.Secret; want != "" {
			if subtle.ConstantTimeCompare([]byte(want), []byte(secret)) != 1 {
				return nil, ErrBadWebhookSecret
			}
		}
		run, err := s.launcher.Launch(ctx, wf, models.TriggerWebhook, input, nil)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func headersToAny(headers map[string]string) map[string]any {
	out := make(map[string]any, len(headers))
	for name, v := range headers {
		out[name] = v
	}
	return out
}
