// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// stateRecord backs the workflow_state table. Writes append versions; reads
// return the latest. The last stateVersionsKept versions are retained.
type stateRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID string `gorm:"index:idx_state_key"`
	Key        string `gorm:"index:idx_state_key"`
	Value      string `gorm:"type:text"`
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time `gorm:"index"`
}

func (stateRecord) TableName() string { return "workflow_state" }

const stateVersionsKept = 10

// StateEntry is a single versioned state value.
type StateEntry struct {
	WorkflowID string     `json:"workflowId"`
	Key        string     `json:"key"`
	Value      any        `json:"value"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// SaveState writes a new version of (workflowID, key). Writing a value equal
// to the current one is a no-op unless force is set. ttl of zero means no
// expiry.
func (s *Store) SaveState(workflowID, key string, value any, ttl time.Duration, force bool) (*StateEntry, error) {
	raw, err := marshalJSON(value)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	var out StateEntry
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var latest stateRecord
		err := tx.Where("workflow_id = ? AND key = ?", workflowID, key).
			Order("version DESC").First(&latest).Error
		version := 1
		switch {
		case err == nil:
			if latest.Value == raw && !force {
				out = recordToState(&latest, value)
				return nil
			}
			version = latest.Version + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first write
		default:
			return err
		}

		rec := stateRecord{
			WorkflowID: workflowID,
			Key:        key,
			Value:      raw,
			Version:    version,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  expiresAt,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		out = recordToState(&rec, value)

		// Retain the newest stateVersionsKept versions only.
		return tx.Where(
			"workflow_id = ? AND key = ? AND version <= ?",
			workflowID, key, version-stateVersionsKept,
		).Delete(&stateRecord{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadState returns the latest live version of (workflowID, key).
func (s *Store) LoadState(workflowID, key string) (*StateEntry, error) {
	var rec stateRecord
	err := s.db.Where("workflow_id = ? AND key = ?", workflowID, key).
		Order("version DESC").First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.ExpiresAt != nil && time.Now().UTC().After(*rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	var value any
	if err := unmarshalJSON(rec.Value, &value); err != nil {
		return nil, err
	}
	entry := recordToState(&rec, value)
	return &entry, nil
}

// GCExpiredState deletes versions past their TTL; returns the count removed.
func (s *Store) GCExpiredState() (int64, error) {
	res := s.db.Where("expires_at IS NOT NULL AND expires_at < ?", time.Now().UTC()).
		Delete(&stateRecord{})
	return res.RowsAffected, res.Error
}

func recordToState(rec *stateRecord, value any) StateEntry {
	return StateEntry{
		WorkflowID: rec.WorkflowID,
		Key:        rec.Key,
		Value:      value,
		Version:    rec.Version,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		ExpiresAt:  rec.ExpiresAt,
	}
}
