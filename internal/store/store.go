// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides the relational persistence layer: workflows, runs,
// credentials, OAuth accounts, the versioned state store and app settings.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTerminalRun is returned on attempts to mutate a run in terminal
	// state.
	ErrTerminalRun = errors.New("run is in a terminal state")
	// ErrConflict is returned when a compare-and-set update lost the race.
	ErrConflict = errors.New("conflicting concurrent update")
)

// Store wraps the gorm handle with typed repositories.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by the URL and migrates the schema.
// sqlite://path and file: URLs select the embedded driver; postgres:// URLs
// select PostgreSQL.
func Open(databaseURL string) (*Store, error) {
	dialector, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func dialectorFor(databaseURL string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://")), nil
	case strings.HasPrefix(databaseURL, "file:"):
		return sqlite.Open(databaseURL), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.Open(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported database URL %q", databaseURL)
	}
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&workflowRecord{},
		&runRecord{},
		&credentialRecord{},
		&oauthAccountRecord{},
		&oauthStateRecord{},
		&stateRecord{},
		&appSettingRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// DB exposes the gorm handle for collaborators that persist their own
// records on the same pool, such as the casbin policy adapter.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// appSettingRecord backs the app_settings table.
type appSettingRecord struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (appSettingRecord) TableName() string { return "app_settings" }

// GetSetting returns the raw value for a key.
func (s *Store) GetSetting(key string) (string, error) {
	var rec appSettingRecord
	if err := s.db.First(&rec, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return rec.Value, nil
}

// SetSetting upserts a key/value pair.
func (s *Store) SetSetting(key, value string) error {
	rec := appSettingRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.Save(&rec).Error
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
