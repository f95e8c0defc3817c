// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker runs the claim loop: it takes items off the work queue,
// drives the execution engine and persists run outcomes. One worker
// process executes up to Concurrency runs in parallel; per-workflow
// serialization is the queue's job, not the worker's.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/flowmesh/internal/config"
	"github.com/flowmesh/flowmesh/internal/engine"
	"github.com/flowmesh/flowmesh/internal/metrics"
	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/queue"
	"github.com/flowmesh/flowmesh/internal/store"
	"github.com/flowmesh/flowmesh/internal/vault"
)

// cancelChannel carries run cancellation requests from the API to
// whichever worker holds the run.
const cancelChannel = "fm:run:cancel"

const (
	claimPollInterval = 250 * time.Millisecond
	reapInterval      = 15 * time.Second
	reportInterval    = 30 * time.Second
)

// Worker is one pool process.
type Worker struct {
	cfg     config.WorkerConfig
	store   *store.Store
	queue   *queue.Queue
	vault   *vault.Vault
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	redis   *redis.Client

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // run id -> cancel
	wg       sync.WaitGroup
}

// New builds a worker. metrics and redis may be nil.
func New(cfg config.WorkerConfig, st *store.Store, q *queue.Queue, v *vault.Vault, eng *engine.Engine, logger *slog.Logger, m *metrics.Metrics, rdb *redis.Client) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    st,
		queue:    q,
		vault:    v,
		engine:   eng,
		logger:   logger.With("worker", cfg.Name),
		metrics:  m,
		redis:    rdb,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Warm primes the credential cache for the most recently active users.
// Called once at startup, before the claim loop.
func (w *Worker) Warm(ctx context.Context) {
	if w.cfg.CredentialWarmUsers <= 0 {
		return
	}
	users, err := w.store.RecentRunUsers(w.cfg.CredentialWarmUsers)
	if err != nil {
		w.logger.Warn("Listing recently active users failed", "error", err)
		return
	}
	w.vault.Warm(ctx, users)
	w.logger.Info("Credential cache warmed", "users", len(users))
}

// Run claims and executes work until ctx is done, then drains in-flight
// runs for up to ShutdownGrace before cancelling the stragglers.
func (w *Worker) Run(ctx context.Context) {
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go w.reapLoop(loopCtx)
	go w.reportLoop(loopCtx)
	go w.cancelLoop(loopCtx)

	w.logger.Info("Claim loop started", "concurrency", w.cfg.Concurrency)
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		item, err := w.queue.Claim(ctx, w.cfg.VisibilityTimeout)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, queue.ErrEmpty) {
				w.logger.Error("Claim failed", "error", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(claimPollInterval):
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(item)
		}()
	}

	w.drain()
}

// drain waits for in-flight runs, cancelling whatever outlives the grace
// window.
func (w *Worker) drain() {
	w.logger.Info("Draining in-flight runs", "grace", w.cfg.ShutdownGrace)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("Drain complete")
	case <-time.After(w.cfg.ShutdownGrace):
		w.logger.Warn("Shutdown grace expired, cancelling remaining runs")
		w.mu.Lock()
		for _, cancel := range w.inflight {
			cancel()
		}
		w.mu.Unlock()
		<-done
	}
}

// process executes one claimed item end to end. Runs with detached
// contexts so shutdown cancellation is explicit, not inherited.
func (w *Worker) process(item *queue.Item) {
	logger := w.logger.With("runId", item.RunID, "workflowId", item.WorkflowID)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.track(item.RunID, cancel)
	defer w.untrack(item.RunID)

	failed := true
	var leaseLost atomic.Bool
	defer func() {
		if leaseLost.Load() {
			// The item was reaped and belongs to another worker now; an
			// ack here would release that worker's slot.
			logger.Warn("Skipping ack for reaped item")
			return
		}
		ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ackCancel()
		if err := w.queue.Ack(ackCtx, item, failed); err != nil {
			logger.Error("Ack failed", "error", err)
		}
	}()

	run, err := w.store.GetRun(item.RunID)
	if err != nil {
		logger.Error("Loading run failed", "error", err)
		return
	}
	if run.Status.Terminal() {
		// Cancelled while queued; nothing to execute.
		failed = false
		return
	}
	wf, err := w.store.GetWorkflow(item.WorkflowID)
	if err != nil {
		w.failRun(run, models.NewModuleError(models.ErrKindInternal, "workflow no longer exists"))
		return
	}

	run.Worker = w.cfg.Name
	run.Status = models.RunStatusRunning
	now := time.Now().UTC()
	run.StartedAt = &now
	if err := w.store.UpdateRun(run); err != nil {
		if errors.Is(err, store.ErrTerminalRun) {
			failed = false
			return
		}
		logger.Error("Marking run running failed", "error", err)
	}

	stopHeartbeat := w.heartbeat(runCtx, item, cancel, &leaseLost, logger)
	defer stopHeartbeat()

	creds, err := w.vault.CredentialMap(runCtx, run.UserID, run.OrganizationID)
	if err != nil {
		logger.Error("Loading credentials failed", "error", err)
		w.failRun(run, models.NewModuleError(models.ErrKindCredentialMissing, "credential lookup failed"))
		return
	}

	w.engine.Execute(runCtx, wf, run, creds)

	if err := w.store.UpdateRun(run); err != nil && !errors.Is(err, store.ErrTerminalRun) {
		logger.Error("Persisting run outcome failed", "error", err)
	}
	if err := w.store.RecordRunOutcome(wf.ID, run.Status, run.Output, *run.FinishedAt); err != nil {
		logger.Error("Recording workflow outcome failed", "error", err)
	}

	failed = run.Status == models.RunStatusError
	w.observe(run)
	logger.Info("Run finished", "status", run.Status,
		"steps", len(run.Steps), "duration", run.FinishedAt.Sub(*run.StartedAt))
}

func (w *Worker) failRun(run *models.Run, me *models.ModuleError) {
	now := time.Now().UTC()
	run.Status = models.RunStatusError
	run.Error = me
	run.FinishedAt = &now
	if err := w.store.UpdateRun(run); err != nil && !errors.Is(err, store.ErrTerminalRun) {
		w.logger.Error("Persisting failed run failed", "runId", run.ID, "error", err)
	}
	w.observe(run)
}

func (w *Worker) observe(run *models.Run) {
	if w.metrics == nil {
		return
	}
	w.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	if run.StartedAt != nil && run.FinishedAt != nil {
		w.metrics.RunDuration.Observe(run.FinishedAt.Sub(*run.StartedAt).Seconds())
	}
	for _, step := range run.Steps {
		w.metrics.StepsTotal.WithLabelValues(string(step.Status)).Inc()
	}
}

// heartbeat extends the queue lease until stopped. A lost lease means
// another worker may claim the workflow, so the run is cancelled here
// and the eventual ack suppressed via lost.
func (w *Worker) heartbeat(ctx context.Context, item *queue.Item, cancelRun context.CancelFunc, lost *atomic.Bool, logger *slog.Logger) func() {
	hbCtx, stop := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				held, err := w.queue.Heartbeat(hbCtx, item, w.cfg.VisibilityTimeout)
				if err != nil {
					logger.Warn("Heartbeat failed", "error", err)
					continue
				}
				if !held {
					logger.Warn("Lease lost, cancelling run")
					lost.Store(true)
					cancelRun()
					return
				}
			}
		}
	}()
	return stop
}

func (w *Worker) track(runID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[runID] = cancel
}

func (w *Worker) untrack(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, runID)
}

// CancelRun aborts a run held by this worker. Returns false when the run
// is not in flight here.
func (w *Worker) CancelRun(runID string) bool {
	w.mu.Lock()
	cancel, ok := w.inflight[runID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// cancelLoop consumes cross-process cancellation requests.
func (w *Worker) cancelLoop(ctx context.Context) {
	if w.redis == nil {
		return
	}
	sub := w.redis.Subscribe(ctx, cancelChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if w.CancelRun(msg.Payload) {
				w.logger.Info("Run cancelled by request", "runId", msg.Payload)
			}
		}
	}
}

// PublishCancel asks whichever worker holds the run to abort it.
func PublishCancel(ctx context.Context, rdb *redis.Client, runID string) error {
	return rdb.Publish(ctx, cancelChannel, runID).Err()
}

// reapLoop returns abandoned items from crashed workers to the queue.
func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.RequeueExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Requeueing expired items failed", "error", err)
				}
				continue
			}
			if n > 0 {
				w.logger.Warn("Requeued abandoned items", "count", n)
			}
		}
	}
}

// reportLoop logs the backlog snapshot and feeds the queue gauges. Warns
// once waiting exceeds the configured threshold.
func (w *Worker) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := w.queue.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Reading queue stats failed", "error", err)
				}
				continue
			}
			if w.metrics != nil {
				w.metrics.QueueActive.Set(float64(stats.Active))
				w.metrics.QueueWaiting.Set(float64(stats.Waiting))
				w.metrics.QueueCompleted.Set(float64(stats.Completed))
				w.metrics.QueueFailed.Set(float64(stats.Failed))
			}
			w.logger.Info("Queue backlog",
				"active", stats.Active, "waiting", stats.Waiting,
				"completed", stats.Completed, "failed", stats.Failed)
			if w.cfg.BacklogWarnThreshold > 0 && stats.Waiting > int64(w.cfg.BacklogWarnThreshold) {
				w.logger.Warn("Queue backlog above threshold",
					"waiting", stats.Waiting, "threshold", w.cfg.BacklogWarnThreshold)
			}
		}
	}
}
