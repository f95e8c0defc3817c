// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/flowmesh/flowmesh/internal/models"
)

// workflowRecord backs the workflows table. The executable document is
// stored as JSON; hot lookup columns are denormalized alongside it.
type workflowRecord struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"index"`
	OrganizationID string `gorm:"index"`
	Name           string
	Description    string
	Version        string
	Status         string `gorm:"index"`
	TriggerType    string `gorm:"index"`
	WebhookPath    string `gorm:"index"`
	Document       string `gorm:"type:text"`
	RunCount       int64
	LastRun        *time.Time
	LastRunStatus  string
	LastRunOutput  string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (workflowRecord) TableName() string { return "workflows" }

// workflowDocument is the JSON persisted in the Document column.
type workflowDocument struct {
	Trigger  models.Trigger           `json:"trigger"`
	Config   models.WorkflowConfig    `json:"config"`
	Metadata *models.WorkflowMetadata `json:"metadata,omitempty"`
}

func workflowToRecord(w *models.Workflow) (*workflowRecord, error) {
	doc, err := marshalJSON(workflowDocument{
		Trigger:  w.Trigger,
		Config:   w.Config,
		Metadata: w.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &workflowRecord{
		ID:             w.ID,
		UserID:         w.UserID,
		OrganizationID: w.OrganizationID,
		Name:           w.Name,
		Description:    w.Description,
		Version:        w.Version,
		Status:         string(w.Status),
		TriggerType:    string(w.Trigger.Type),
		WebhookPath:    w.Trigger.Config.Path,
		Document:       doc,
		RunCount:       w.RunCount,
		LastRun:        w.LastRun,
		LastRunStatus:  w.LastRunStatus,
		LastRunOutput:  string(w.LastRunOutput),
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}, nil
}

func recordToWorkflow(rec *workflowRecord) (*models.Workflow, error) {
	var doc workflowDocument
	if err := unmarshalJSON(rec.Document, &doc); err != nil {
		return nil, err
	}
	w := &models.Workflow{
		ID:             rec.ID,
		UserID:         rec.UserID,
		OrganizationID: rec.OrganizationID,
		Name:           rec.Name,
		Description:    rec.Description,
		Version:        rec.Version,
		Status:         models.WorkflowStatus(rec.Status),
		Trigger:        doc.Trigger,
		Config:         doc.Config,
		Metadata:       doc.Metadata,
		RunCount:       rec.RunCount,
		LastRun:        rec.LastRun,
		LastRunStatus:  rec.LastRunStatus,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.LastRunOutput != "" {
		w.LastRunOutput = json.RawMessage(rec.LastRunOutput)
	}
	return w, nil
}

// CreateWorkflow persists a new workflow.
func (s *Store) CreateWorkflow(w *models.Workflow) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	rec, err := workflowToRecord(w)
	if err != nil {
		return err
	}
	return s.db.Create(rec).Error
}

// GetWorkflow loads a workflow by id.
func (s *Store) GetWorkflow(id string) (*models.Workflow, error) {
	var rec workflowRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return recordToWorkflow(&rec)
}

// UpdateWorkflow replaces the stored document and denormalized columns.
func (s *Store) UpdateWorkflow(w *models.Workflow) error {
	w.UpdatedAt = time.Now().UTC()
	rec, err := workflowToRecord(w)
	if err != nil {
		return err
	}
	res := s.db.Model(&workflowRecord{}).Where("id = ?", w.ID).Updates(map[string]any{
		"name":         rec.Name,
		"description":  rec.Description,
		"status":       rec.Status,
		"trigger_type": rec.TriggerType,
		"webhook_path": rec.WebhookPath,
		"document":     rec.Document,
		"updated_at":   rec.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkflow removes a workflow by id.
func (s *Store) DeleteWorkflow(id string) error {
	res := s.db.Delete(&workflowRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkflows pages a user's workflows sorted by creation time. An empty
// organizationID restricts the listing to personal workflows.
func (s *Store) ListWorkflows(userID, organizationID string, page, pageSize int) ([]*models.Workflow, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	q := s.db.Model(&workflowRecord{})
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	} else {
		q = q.Where("user_id = ? AND organization_id = ''", userID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var recs []workflowRecord
	err := q.Order("created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&recs).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]*models.Workflow, 0, len(recs))
	for i := range recs {
		w, err := recordToWorkflow(&recs[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, nil
}

// ListActiveCronWorkflows returns every active workflow with a cron trigger;
// the scheduler rebuilds its table from this set.
func (s *Store) ListActiveCronWorkflows() ([]*models.Workflow, error) {
	return s.listByTrigger(string(models.TriggerCron))
}

// FindWorkflowsByWebhookPath resolves active webhook workflows for a path.
func (s *Store) FindWorkflowsByWebhookPath(path string) ([]*models.Workflow, error) {
	var recs []workflowRecord
	err := s.db.
		Where("trigger_type = ? AND webhook_path = ? AND status = ?",
			string(models.TriggerWebhook), path, string(models.WorkflowStatusActive)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recordsToWorkflows(recs)
}

func (s *Store) listByTrigger(triggerType string) ([]*models.Workflow, error) {
	var recs []workflowRecord
	err := s.db.
		Where("trigger_type = ? AND status = ?", triggerType, string(models.WorkflowStatusActive)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recordsToWorkflows(recs)
}

func recordsToWorkflows(recs []workflowRecord) ([]*models.Workflow, error) {
	out := make([]*models.Workflow, 0, len(recs))
	for i := range recs {
		w, err := recordToWorkflow(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// RecordRunOutcome bumps the workflow's run counters after a run finishes.
func (s *Store) RecordRunOutcome(workflowID string, status models.RunStatus, output any, finishedAt time.Time) error {
	raw, err := marshalJSON(output)
	if err != nil {
		raw = ""
	}
	return s.db.Model(&workflowRecord{}).Where("id = ?", workflowID).Updates(map[string]any{
		"run_count":       gorm.Expr("run_count + 1"),
		"last_run":        finishedAt,
		"last_run_status": string(status),
		"last_run_output": raw,
	}).Error
}
