// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/flowmesh/flowmesh/internal/models"
)

// runRecord backs the workflow_runs table. Step results, input and output
// are stored as a JSON payload; lifecycle columns are first-class for
// querying.
type runRecord struct {
	ID             string `gorm:"primaryKey"`
	WorkflowID     string `gorm:"index"`
	UserID         string `gorm:"index"`
	OrganizationID string
	TriggeredBy    string
	ScheduledFor   *time.Time `gorm:"index"`
	Status         string     `gorm:"index"`
	Worker         string
	EnqueuedAt     time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Payload        string `gorm:"type:text"`
}

func (runRecord) TableName() string { return "workflow_runs" }

// runPayload is the JSON persisted in the Payload column.
type runPayload struct {
	Input  map[string]any      `json:"input,omitempty"`
	Steps  []models.StepResult `json:"steps,omitempty"`
	Error  *models.ModuleError `json:"error,omitempty"`
	Output any                 `json:"output,omitempty"`
}

func runToRecord(r *models.Run) (*runRecord, error) {
	payload, err := marshalJSON(runPayload{
		Input:  r.Input,
		Steps:  r.Steps,
		Error:  r.Error,
		Output: r.Output,
	})
	if err != nil {
		return nil, err
	}
	return &runRecord{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID,
		TriggeredBy:    string(r.TriggeredBy),
		ScheduledFor:   r.ScheduledFor,
		Status:         string(r.Status),
		Worker:         r.Worker,
		EnqueuedAt:     r.EnqueuedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Payload:        payload,
	}, nil
}

func recordToRun(rec *runRecord) (*models.Run, error) {
	var payload runPayload
	if err := unmarshalJSON(rec.Payload, &payload); err != nil {
		return nil, err
	}
	return &models.Run{
		ID:             rec.ID,
		WorkflowID:     rec.WorkflowID,
		UserID:         rec.UserID,
		OrganizationID: rec.OrganizationID,
		TriggeredBy:    models.TriggerType(rec.TriggeredBy),
		ScheduledFor:   rec.ScheduledFor,
		Status:         models.RunStatus(rec.Status),
		Worker:         rec.Worker,
		EnqueuedAt:     rec.EnqueuedAt,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
		Input:          payload.Input,
		Steps:          payload.Steps,
		Error:          payload.Error,
		Output:         payload.Output,
	}, nil
}

// CreateRun persists a newly enqueued run.
func (s *Store) CreateRun(r *models.Run) error {
	if r.EnqueuedAt.IsZero() {
		r.EnqueuedAt = time.Now().UTC()
	}
	rec, err := runToRecord(r)
	if err != nil {
		return err
	}
	return s.db.Create(rec).Error
}

// GetRun loads a run by id.
func (s *Store) GetRun(id string) (*models.Run, error) {
	var rec runRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return recordToRun(&rec)
}

// UpdateRun replaces a run's mutable fields. Runs already in a terminal
// state are immutable; the guard is enforced in the WHERE clause so
// concurrent finishers cannot double-write.
func (s *Store) UpdateRun(r *models.Run) error {
	rec, err := runToRecord(r)
	if err != nil {
		return err
	}
	res := s.db.Model(&runRecord{}).
		Where("id = ? AND status NOT IN ?", r.ID, terminalStatuses()).
		Updates(map[string]any{
			"status":      rec.Status,
			"worker":      rec.Worker,
			"started_at":  rec.StartedAt,
			"finished_at": rec.FinishedAt,
			"payload":     rec.Payload,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish missing from immutable for callers that care.
		var count int64
		if err := s.db.Model(&runRecord{}).Where("id = ?", r.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrTerminalRun
	}
	return nil
}

func terminalStatuses() []string {
	return []string{
		string(models.RunStatusSuccess),
		string(models.RunStatusError),
		string(models.RunStatusCancelled),
	}
}

// ListRuns pages a workflow's runs, newest first.
func (s *Store) ListRuns(workflowID string, page, pageSize int) ([]*models.Run, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	q := s.db.Model(&runRecord{}).Where("workflow_id = ?", workflowID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var recs []runRecord
	err := q.Order("enqueued_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&recs).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]*models.Run, 0, len(recs))
	for i := range recs {
		r, err := recordToRun(&recs[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, nil
}

// HasRunForTick reports whether a queued or running cron run already exists
// for the workflow at the given fire time. Keys cron tick deduplication.
func (s *Store) HasRunForTick(workflowID string, scheduledFor time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&runRecord{}).
		Where("workflow_id = ? AND scheduled_for = ? AND triggered_by = ?",
			workflowID, scheduledFor.UTC(), string(models.TriggerCron)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecentRunUsers returns the user ids of the most recently enqueued runs,
// deduplicated, newest first. The worker warms credential caches for them.
func (s *Store) RecentRunUsers(limit int) ([]string, error) {
	if limit < 1 {
		limit = 10
	}
	var userIDs []string
	err := s.db.Model(&runRecord{}).
		Select("user_id").
		Group("user_id").
		Order("MAX(enqueued_at) DESC").
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}
