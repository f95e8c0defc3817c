// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/internal/logging"
)

// Config is the root configuration shared by the API server and worker.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Worker    WorkerConfig    `koanf:"worker"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Vault     VaultConfig     `koanf:"vault"`
	Server    ServerConfig    `koanf:"server"`
	Logging   logging.Config  `koanf:"logging"`
	// EnvAllowlist enumerates environment variables exposed to workflow
	// expressions as env.*. Anything not listed is invisible to runs.
	EnvAllowlist []string `koanf:"env_allowlist"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// URL is the DSN. sqlite://path and file::memory: forms select the
	// embedded driver.
	URL string `koanf:"url"`
}

// RedisConfig selects the queue, cache and pub/sub backend.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// Name identifies this worker in logs, metrics and queue claims.
	Name string `koanf:"name"`
	// Concurrency is the maximum number of runs executed in parallel.
	Concurrency int `koanf:"concurrency"`
	// SkipModulePreload skips the registry walk; dev convenience only.
	SkipModulePreload bool `koanf:"skip_module_preload"`
	// VisibilityTimeout is how long a claimed item may go without a
	// heartbeat before it is requeued.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
	// HeartbeatInterval is the gap between heartbeats for in-flight items.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	// ShutdownGrace bounds the drain of in-flight runs on SIGTERM.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
	// BacklogWarnThreshold triggers a warning log once the waiting count
	// exceeds it.
	BacklogWarnThreshold int `koanf:"backlog_warn_threshold"`
	// CredentialWarmUsers is how many recently active users get their
	// credential cache warmed at startup.
	CredentialWarmUsers int `koanf:"credential_warm_users"`
}

// SchedulerConfig tunes cron scheduling.
type SchedulerConfig struct {
	// TickInterval is the resolution of the cron table scan.
	TickInterval time.Duration `koanf:"tick_interval"`
	// CatchUp enqueues at most one missed run per workflow after downtime.
	CatchUp bool `koanf:"catch_up"`
}

// VaultConfig configures credential encryption.
type VaultConfig struct {
	// EncryptionKey is the 256-bit AEAD key, hex or base64 encoded.
	EncryptionKey string `koanf:"encryption_key"`
	// CacheTTL bounds the per-process plaintext credential cache.
	CacheTTL time.Duration `koanf:"cache_ttl"`
	// RefreshMargin refreshes OAuth tokens expiring within this window.
	RefreshMargin time.Duration `koanf:"refresh_margin"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port          int           `koanf:"port"`
	PublicURL     string        `koanf:"public_url"`
	SessionSecret string        `koanf:"session_secret"`
	ReadTimeout   time.Duration `koanf:"read_timeout"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
}

// Defaults returns the baseline configuration applied before file, env and
// flag overrides.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{URL: "sqlite://flowmesh.db"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Worker: WorkerConfig{
			Concurrency:          50,
			VisibilityTimeout:    60 * time.Second,
			HeartbeatInterval:    5 * time.Second,
			ShutdownGrace:        30 * time.Second,
			BacklogWarnThreshold: 100,
			CredentialWarmUsers:  25,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			CatchUp:      true,
		},
		Vault: VaultConfig{
			CacheTTL:      30 * time.Second,
			RefreshMargin: 60 * time.Second,
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads the full configuration for a component. configPath may be empty.
func Load(configPath string) (Config, error) {
	loader := NewLoader("FLOWMESH")
	if err := loader.LoadWithDefaults(Defaults(), configPath); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := loader.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate implements Validator.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Vault.EncryptionKey != "" {
		if _, err := c.Vault.DecodeKey(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeKey decodes the configured encryption key and enforces the 256-bit
// length.
func (v VaultConfig) DecodeKey() ([]byte, error) {
	raw, err := hex.DecodeString(v.EncryptionKey)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(v.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("vault.encryption_key is neither hex nor base64")
		}
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("vault.encryption_key must decode to 32 bytes, got %d", len(raw))
	}
	return raw, nil
}
