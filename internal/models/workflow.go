// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package models defines the domain types shared by the API surface, the
// store and the execution substrate.
package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft  WorkflowStatus = "draft"
	WorkflowStatusActive WorkflowStatus = "active"
	WorkflowStatusPaused WorkflowStatus = "paused"
	WorkflowStatusError  WorkflowStatus = "error"
)

// TriggerType identifies the originator of a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerCron      TriggerType = "cron"
	TriggerWebhook   TriggerType = "webhook"
	TriggerChat      TriggerType = "chat"
	TriggerChatInput TriggerType = "chat-input"
	TriggerTelegram  TriggerType = "telegram"
	TriggerDiscord   TriggerType = "discord"
)

// Trigger is a tagged variant; Config fields are meaningful depending on Type.
type Trigger struct {
	Type   TriggerType   `json:"type"`
	Config TriggerConfig `json:"config,omitempty"`
}

// TriggerConfig carries per-type trigger settings. Cron triggers use
// Expression/Timezone; webhook triggers use Path/Secret.
type TriggerConfig struct {
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Path       string `json:"path,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// Loop describes per-item iteration of a step body.
type Loop struct {
	// Over is an expression evaluating to a sequence.
	Over string `json:"over"`
	// As names the per-item binding.
	As string `json:"as"`
	// Parallel permits concurrent iterations; Concurrency must be set.
	Parallel    bool `json:"parallel,omitempty"`
	Concurrency int  `json:"concurrency,omitempty"`
}

// Step is one entry in a workflow's step list.
type Step struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	// Inputs is an arbitrary mapping whose scalar string leaves may carry
	// {{ expression }} interpolations.
	Inputs map[string]any `json:"inputs,omitempty"`
	// OutputAs names a context variable bound to the module's return value.
	OutputAs string `json:"outputAs,omitempty"`
	// Condition must evaluate truthy for the step to execute.
	Condition string `json:"condition,omitempty"`
	Loop      *Loop  `json:"loop,omitempty"`
	// Retries is the per-step retry budget for retryable failures.
	Retries         int  `json:"retries,omitempty"`
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// OutputDisplay hints how the dashboard renders a run's output.
type OutputDisplay struct {
	Type    string   `json:"type"`
	Columns []string `json:"columns,omitempty"`
}

// WorkflowConfig is the executable part of the workflow document.
type WorkflowConfig struct {
	// TimeoutMS bounds the whole run; defaults to 300000.
	TimeoutMS int64 `json:"timeout,omitempty"`
	// Retries is the default retry budget for steps that do not set one.
	Retries       int            `json:"retries,omitempty"`
	Steps         []Step         `json:"steps"`
	ReturnValue   string         `json:"returnValue,omitempty"`
	OutputDisplay *OutputDisplay `json:"outputDisplay,omitempty"`
}

// WorkflowMetadata is free-form categorization.
type WorkflowMetadata struct {
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// DefaultRunTimeout is applied when the document does not set one.
const DefaultRunTimeout = 300_000 * time.Millisecond

// Workflow is a user-authored document describing a trigger and an ordered
// list of module invocations. Immutable per version.
type Workflow struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	OrganizationID string            `json:"organizationId,omitempty"`
	Version        string            `json:"version"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Status         WorkflowStatus    `json:"status"`
	Trigger        Trigger           `json:"trigger"`
	Config         WorkflowConfig    `json:"config"`
	Metadata       *WorkflowMetadata `json:"metadata,omitempty"`

	RunCount      int64           `json:"runCount"`
	LastRun       *time.Time      `json:"lastRun,omitempty"`
	LastRunStatus string          `json:"lastRunStatus,omitempty"`
	LastRunOutput json.RawMessage `json:"lastRunOutput,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Timeout returns the configured run bound as a duration.
func (w *Workflow) Timeout() time.Duration {
	if w.Config.TimeoutMS <= 0 {
		return DefaultRunTimeout
	}
	return time.Duration(w.Config.TimeoutMS) * time.Millisecond
}

// StepRetries resolves a step's retry budget against the workflow default.
func (w *Workflow) StepRetries(s *Step) int {
	if s.Retries > 0 {
		return s.Retries
	}
	return w.Config.Retries
}
