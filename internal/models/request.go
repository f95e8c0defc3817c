// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateWorkflowRequest is the payload for POST /workflows.
type CreateWorkflowRequest struct {
	Name           string            `json:"name" validate:"required,max=200"`
	Description    string            `json:"description,omitempty" validate:"max=2000"`
	OrganizationID string            `json:"organizationId,omitempty"`
	Trigger        Trigger           `json:"trigger"`
	Config         WorkflowConfig    `json:"config"`
	Metadata       *WorkflowMetadata `json:"metadata,omitempty"`
}

// Sanitize trims user-provided identifiers.
func (r *CreateWorkflowRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	r.OrganizationID = strings.TrimSpace(r.OrganizationID)
}

// Validate checks the request, including the structural rules every workflow
// document must satisfy before it is accepted.
func (r *CreateWorkflowRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if err := ValidateTrigger(&r.Trigger); err != nil {
		return err
	}
	return ValidateSteps(r.Config.Steps)
}

// ValidateTrigger enforces per-type trigger config requirements.
func ValidateTrigger(t *Trigger) error {
	switch t.Type {
	case TriggerManual, TriggerChat, TriggerChatInput, TriggerTelegram, TriggerDiscord:
		return nil
	case TriggerCron:
		if strings.TrimSpace(t.Config.Expression) == "" {
			return errors.New("cron trigger requires an expression")
		}
		return nil
	case TriggerWebhook:
		path := strings.TrimSpace(t.Config.Path)
		if path == "" {
			return errors.New("webhook trigger requires a path")
		}
		if strings.ContainsAny(path, " \t\n") {
			return fmt.Errorf("webhook path %q contains whitespace", path)
		}
		return nil
	case "":
		return errors.New("trigger type is required")
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
}

// ValidateSteps enforces step identity and loop shape rules.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errors.New("workflow requires at least one step")
	}
	seen := make(map[string]struct{}, len(steps))
	for i := range steps {
		s := &steps[i]
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("step %d is missing an id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if strings.TrimSpace(s.Module) == "" {
			return fmt.Errorf("step %q is missing a module", s.ID)
		}
		if s.Loop != nil {
			if strings.TrimSpace(s.Loop.Over) == "" || strings.TrimSpace(s.Loop.As) == "" {
				return fmt.Errorf("step %q loop requires over and as", s.ID)
			}
			if s.Loop.Parallel && s.Loop.Concurrency < 1 {
				return fmt.Errorf("step %q parallel loop requires an explicit concurrency limit", s.ID)
			}
		}
	}
	return nil
}

// CreateCredentialRequest is the payload for POST /credentials. Value and
// Fields carry plaintext in flight only; the vault encrypts before storage.
type CreateCredentialRequest struct {
	Platform       string            `json:"platform" validate:"required,max=100"`
	Name           string            `json:"name" validate:"required,max=200"`
	Type           CredentialType    `json:"type" validate:"required,oneof=api_key token secret connection_string multi_field"`
	OrganizationID string            `json:"organizationId,omitempty"`
	Value          string            `json:"value,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// Sanitize normalizes the platform identifier.
func (r *CreateCredentialRequest) Sanitize() {
	r.Platform = strings.ToLower(strings.TrimSpace(r.Platform))
	r.Name = strings.TrimSpace(r.Name)
	r.OrganizationID = strings.TrimSpace(r.OrganizationID)
}

// Validate checks the request shape against its declared type.
func (r *CreateCredentialRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.Type == CredentialTypeMultiField {
		if len(r.Fields) == 0 {
			return errors.New("multi_field credential requires fields")
		}
		return nil
	}
	if r.Value == "" {
		return errors.New("credential value is required")
	}
	return nil
}

// RunWorkflowRequest is the payload for POST /workflows/{id}/run.
type RunWorkflowRequest struct {
	Input map[string]any `json:"input,omitempty"`
}
