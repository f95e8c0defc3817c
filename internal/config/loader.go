// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides a unified configuration loader for FlowMesh
// components.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
}

// Validator can be implemented by config structs to enable validation.
type Validator interface {
	Validate() error
}

// NewLoader creates a new configuration loader.
// envPrefix should be like "FLOWMESH" (without trailing delimiter).
// Environment variables use double underscore (__) for nesting:
// FLOWMESH__WORKER__CONCURRENCY -> worker.concurrency
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		k:         koanf.New("."),
		envPrefix: envPrefix + "__",
	}
}

// LoadWithDefaults loads configuration with the following priority (highest to lowest):
//  1. Well-known flat environment variables (DATABASE_URL, REDIS_URL, ...)
//  2. Prefixed environment variables (FLOWMESH__WORKER__CONCURRENCY -> worker.concurrency)
//  3. Config file (YAML)
//  4. Struct defaults
//
// If configPath is specified but the file does not exist, an error is returned.
// If configPath is empty, only defaults and environment variables are used.
func (l *Loader) LoadWithDefaults(defaults any, configPath string) error {
	if defaults != nil {
		if err := l.k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
			return fmt.Errorf("failed to load defaults: %w", err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if err := l.k.Load(file.Provider(configPath), koanfyaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Double underscore (__) for nesting: FLOWMESH__WORKER__CONCURRENCY -> worker.concurrency
	envProvider := env.Provider(l.envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		key = strings.ReplaceAll(key, "__", ".")
		return key
	})
	if err := l.k.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Flat aliases keep the documented operator surface stable regardless of
	// the koanf key layout.
	for envName, key := range flatEnvAliases {
		if v, ok := os.LookupEnv(envName); ok {
			if err := l.k.Set(key, v); err != nil {
				return fmt.Errorf("failed to apply %s: %w", envName, err)
			}
		}
	}

	return nil
}

// flatEnvAliases maps the well-known flat environment variables onto koanf keys.
var flatEnvAliases = map[string]string{
	"DATABASE_URL":         "database.url",
	"REDIS_URL":            "redis.url",
	"WORKFLOW_CONCURRENCY": "worker.concurrency",
	"WORKER_NAME":          "worker.name",
	"SKIP_MODULE_PRELOAD":  "worker.skip_module_preload",
	"ENCRYPTION_KEY":       "vault.encryption_key",
	"PUBLIC_URL":           "server.public_url",
	"SESSION_SECRET":       "server.session_secret",
}

// LoadFlags applies CLI flag overrides using explicit mappings.
// Only flags that were explicitly set by the user are applied.
// Call this after LoadWithDefaults for highest priority overrides.
func (l *Loader) LoadFlags(flags *pflag.FlagSet, mappings map[string]string) error {
	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := mappings[f.Name]; ok {
			if err := l.k.Set(key, f.Value.String()); err != nil {
				errs = append(errs, fmt.Errorf("flag %s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// Unmarshal unmarshals the loaded configuration into the provided struct and
// validates it when the struct implements Validator.
func (l *Loader) Unmarshal(path string, out any) error {
	if err := l.k.Unmarshal(path, out); err != nil {
		return err
	}
	if v, ok := out.(Validator); ok {
		return v.Validate()
	}
	return nil
}
