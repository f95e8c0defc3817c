// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// flowmesh-worker claims queued runs and executes them. It exposes metrics
// and a liveness probe on a separate port.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/flowmesh/flowmesh/internal/config"
	"github.com/flowmesh/flowmesh/internal/engine"
	"github.com/flowmesh/flowmesh/internal/logging"
	"github.com/flowmesh/flowmesh/internal/metrics"
	"github.com/flowmesh/flowmesh/internal/modules/builtin"
	"github.com/flowmesh/flowmesh/internal/queue"
	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/internal/resilience"
	"github.com/flowmesh/flowmesh/internal/server"
	"github.com/flowmesh/flowmesh/internal/store"
	"github.com/flowmesh/flowmesh/internal/vault"
	"github.com/flowmesh/flowmesh/internal/worker"
)

const (
	breakerScrapeInterval = 15 * time.Second
	stateGCInterval       = 10 * time.Minute
)

var (
	configPath  = pflag.String("config", "", "path to the configuration file")
	metricsPort = pflag.Int("metrics-port", 9100, "port for metrics and liveness probes")
)

func main() {
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Worker.Name == "" {
		hostname, _ := os.Hostname()
		cfg.Worker.Name = hostname
	}

	baseLogger := logging.New(cfg.Logging).With("worker", cfg.Worker.Name)
	slog.SetDefault(baseLogger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		baseLogger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		baseLogger.Error("Invalid redis URL", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	q := queue.New(rdb)

	key, err := cfg.Vault.DecodeKey()
	if err != nil {
		baseLogger.Error("Invalid vault encryption key", slog.Any("error", err))
		os.Exit(1)
	}
	v, err := vault.New(st, key, baseLogger,
		vault.WithRedis(rdb),
		vault.WithCacheTTL(cfg.Vault.CacheTTL),
		vault.WithRefreshMargin(cfg.Vault.RefreshMargin),
	)
	if err != nil {
		baseLogger.Error("Failed to initialize vault", slog.Any("error", err))
		os.Exit(1)
	}
	go v.ListenInvalidations(ctx)

	reg := registry.New()
	if cfg.Worker.SkipModulePreload {
		baseLogger.Warn("Module preload skipped")
		reg.Seal()
	} else {
		reg.Preload(baseLogger, builtin.Categories(http.DefaultClient))
	}

	m := metrics.New()
	guards := resilience.NewGuardSet(resilience.GuardConfig{}, nil)

	eng := engine.New(reg, guards, baseLogger,
		engine.WithState(stateStore{st}),
		engine.WithEnv(allowedEnv(cfg.EnvAllowlist)),
	)

	w := worker.New(cfg.Worker, st, q, v, eng, baseLogger, m, rdb)
	w.Warm(ctx)

	go scrapeBreakers(ctx, m, guards)
	go stateGC(ctx, st, baseLogger)
	go runProbeServer(ctx, m, *metricsPort, baseLogger)

	w.Run(ctx)
	baseLogger.Info("Worker stopped gracefully")
}

// stateStore adapts the relational state table to the module-facing
// state interface.
type stateStore struct {
	st *store.Store
}

func (s stateStore) Save(workflowID, key string, value any, ttl time.Duration, force bool) (int, error) {
	entry, err := s.st.SaveState(workflowID, key, value, ttl, force)
	if err != nil {
		return 0, err
	}
	return entry.Version, nil
}

func (s stateStore) Load(workflowID, key string) (any, error) {
	entry, err := s.st.LoadState(workflowID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// allowedEnv projects the allowlisted environment variables for env.*
// expression lookups.
func allowedEnv(names []string) map[string]string {
	env := make(map[string]string, len(names))
	for _, name := range names {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}

// stateGC periodically drops expired workflow state versions.
func stateGC(ctx context.Context, st *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(stateGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := st.GCExpiredState()
			if err != nil {
				logger.Warn("State GC failed", slog.Any("error", err))
				continue
			}
			if deleted > 0 {
				logger.Info("Expired state collected", slog.Int64("deleted", deleted))
			}
		}
	}
}

func scrapeBreakers(ctx context.Context, m *metrics.Metrics, guards *resilience.GuardSet) {
	ticker := time.NewTicker(breakerScrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ObserveBreakers(guards.States())
		}
	}
}

func runProbeServer(ctx context.Context, m *metrics.Metrics, port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	srv := server.New(server.Config{Addr: ":" + strconv.Itoa(port)}, mux, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Probe server error", slog.Any("error", err))
	}
}
