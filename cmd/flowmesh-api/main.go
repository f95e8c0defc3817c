// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// flowmesh-api serves the HTTP API, drives cron schedules and accepts
// webhook deliveries.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/flowmesh/flowmesh/internal/api/handlers"
	"github.com/flowmesh/flowmesh/internal/authz"
	"github.com/flowmesh/flowmesh/internal/config"
	"github.com/flowmesh/flowmesh/internal/logging"
	"github.com/flowmesh/flowmesh/internal/metrics"
	"github.com/flowmesh/flowmesh/internal/queue"
	"github.com/flowmesh/flowmesh/internal/scheduler"
	"github.com/flowmesh/flowmesh/internal/server"
	"github.com/flowmesh/flowmesh/internal/store"
	"github.com/flowmesh/flowmesh/internal/vault"
)

var (
	configPath = pflag.String("config", "", "path to the configuration file")
	port       = pflag.Int("port", 0, "override the configured HTTP port")
)

func main() {
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Server.SessionSecret == "" {
		slog.Error("server.session_secret is required")
		os.Exit(1)
	}

	baseLogger := logging.New(cfg.Logging)
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

	az, err := authz.New(st.DB())
	if err != nil {
		baseLogger.Error("Failed to initialize authorization", slog.Any("error", err))
		os.Exit(1)
	}

	m := metrics.New()

	launcher := scheduler.NewLauncher(st, q, rdb)
	sched := scheduler.New(st, launcher, baseLogger,
		scheduler.WithPollInterval(cfg.Scheduler.TickInterval),
		scheduler.WithCatchUp(cfg.Scheduler.CatchUp),
	)
	if err := sched.Refresh(ctx); err != nil {
		baseLogger.Error("Failed to load cron table", slog.Any("error", err))
		os.Exit(1)
	}
	go sched.Run(ctx)

	handler := handlers.New(st, v, q, launcher, sched, az, m, rdb,
		cfg.Server.SessionSecret, baseLogger.With("component", "handlers"))

	srv := server.New(server.Config{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}, handler.Routes(), baseLogger)

	if err := srv.Run(ctx); err != nil {
		baseLogger.Error("Server error", slog.Any("error", err))
		os.Exit(1)
	}
	baseLogger.Info("Server stopped gracefully")
}

