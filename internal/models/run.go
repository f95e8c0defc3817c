// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// RunStatus is the lifecycle state of a run. Terminal states never
// transition again.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one step within a run.
type StepResult struct {
	StepID     string       `json:"stepId"`
	Status     StepStatus   `json:"status"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Output     any          `json:"output,omitempty"`
	Error      *ModuleError `json:"error,omitempty"`
	DurationMS int64        `json:"durationMs"`
	Attempts   int          `json:"attempts"`
}

// Run is one execution of a workflow.
type Run struct {
	ID             string      `json:"id"`
	WorkflowID     string      `json:"workflowId"`
	UserID         string      `json:"userId"`
	OrganizationID string      `json:"organizationId,omitempty"`
	TriggeredBy    TriggerType `json:"triggeredBy"`
	// ScheduledFor is the cron fire time for cron-triggered runs; it keys
	// tick deduplication.
	ScheduledFor *time.Time     `json:"scheduledFor,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueuedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	Status       RunStatus      `json:"status"`
	Steps        []StepResult   `json:"steps,omitempty"`
	Error        *ModuleError   `json:"error,omitempty"`
	Output       any            `json:"output,omitempty"`
	// Worker names the process that executed the run.
	Worker string `json:"worker,omitempty"`
}
