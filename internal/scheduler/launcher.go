// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/queue"
	"github.com/flowmesh/flowmesh/internal/store"
)

// ErrDuplicateTick signals that a run for the same (workflow, scheduled
// timestamp) already exists and the tick was dropped.
var ErrDuplicateTick = errors.New("duplicate cron tick")

// Launcher persists a queued run and puts it on the work queue. It is the
// single entry point for all three trigger paths.
type Launcher struct {
	store *store.Store
	queue *queue.Queue
	redis *redis.Client
}

// NewLauncher builds a launcher. redis may be nil; cross-process tick
// locking then degrades to the store-level dedupe alone.
func NewLauncher(st *store.Store, q *queue.Queue, rdb *redis.Client) *Launcher {
	return &Launcher{store: st, queue: q, redis: rdb}
}

// Launch creates a Run in status queued and enqueues it. Cron launches
// pass scheduledFor; ticks already materialized for that timestamp are
// dropped with ErrDuplicateTick.
func (l *Launcher) Launch(ctx context.Context, wf *models.Workflow, trigger models.TriggerType, input map[string]any, scheduledFor *time.Time) (*models.Run, error) {
	if scheduledFor != nil {
		held, err := l.claimTick(ctx, wf.ID, *scheduledFor)
		if err != nil {
			return nil, err
		}
		if !held {
			return nil, ErrDuplicateTick
		}
		exists, err := l.store.HasRunForTick(wf.ID, *scheduledFor)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrDuplicateTick
		}
	}

	run := &models.Run{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		UserID:         wf.UserID,
		OrganizationID: wf.OrganizationID,
		TriggeredBy:    trigger,
		ScheduledFor:   scheduledFor,
		Input:          input,
		EnqueuedAt:     time.Now().UTC(),
		Status:         models.RunStatusQueued,
	}
	if err := l.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}
	if _, err := l.queue.Enqueue(ctx, wf.ID, run.ID); err != nil {
		return nil, fmt.Errorf("enqueueing run: %w", err)
	}
	return run, nil
}

// claimTick takes the cross-process lock for one (workflow, timestamp)
// tick. First claimer wins; everyone else drops the tick.
func (l *Launcher) claimTick(ctx context.Context, workflowID string, at time.Time) (bool, error) {
	if l.redis == nil {
		return true, nil
	}
	key := fmt.Sprintf("fm:sched:tick:%s:%d", workflowID, at.Unix())
	return l.redis.SetNX(ctx, key, "1", 10*time.Minute).Result()
}
