// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers exposes the HTTP API: workflow CRUD, run inspection,
// credential management and webhook ingestion.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/internal/authz"
	"github.com/flowmesh/flowmesh/internal/metrics"
	"github.com/flowmesh/flowmesh/internal/queue"
	"github.com/flowmesh/flowmesh/internal/scheduler"
	"github.com/flowmesh/flowmesh/internal/server/middleware"
	"github.com/flowmesh/flowmesh/internal/server/middleware/auth"
	"github.com/flowmesh/flowmesh/internal/server/middleware/logger"
	"github.com/flowmesh/flowmesh/internal/store"
	"github.com/flowmesh/flowmesh/internal/vault"
)

// Handler holds the backing services and provides HTTP handlers
type Handler struct {
	store         *store.Store
	vault         *vault.Vault
	queue         *queue.Queue
	launcher      *scheduler.Launcher
	scheduler     *scheduler.Scheduler
	authorizer    *authz.Authorizer
	metrics       *metrics.Metrics
	redis         *redis.Client
	sessionSecret string
	logger        *slog.Logger
}

// New creates a new Handler instance
func New(st *store.Store, v *vault.Vault, q *queue.Queue, launcher *scheduler.Launcher,
	sched *scheduler.Scheduler, az *authz.Authorizer, m *metrics.Metrics,
	rdb *redis.Client, sessionSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		store:         st,
		vault:         v,
		queue:         q,
		launcher:      launcher,
		scheduler:     sched,
		authorizer:    az,
		metrics:       m,
		redis:         rdb,
		sessionSecret: sessionSecret,
		logger:        logger,
	}
}

// Routes sets up all HTTP routes and returns the configured handler
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	v1 := "/api/v1"

	loggerMiddleware := logger.Middleware(h.logger)

	routes := middleware.NewRouteBuilder(mux).With(loggerMiddleware)

	// Public routes
	routes.HandleFunc("GET /healthz", h.Health)
	routes.HandleFunc("GET /readyz", h.Ready)
	if h.metrics != nil {
		routes.Handle("GET /metrics", h.metrics.Handler())
	}

	// Webhook ingestion carries its own secret check, not a session.
	routes.HandleFunc("POST /webhooks/{path...}", h.DeliverWebhook)

	// Session-authenticated API
	sessionAuth := auth.Middleware(h.sessionSecret, h.logger)
	api := routes.With(sessionAuth)

	// Workflow management
	api.HandleFunc("GET "+v1+"/workflows", h.ListWorkflows)
	api.HandleFunc("POST "+v1+"/workflows", h.CreateWorkflow)
	api.HandleFunc("GET "+v1+"/workflows/{id}", h.GetWorkflow)
	api.HandleFunc("PATCH "+v1+"/workflows/{id}", h.PatchWorkflow)
	api.HandleFunc("DELETE "+v1+"/workflows/{id}", h.DeleteWorkflow)
	api.HandleFunc("POST "+v1+"/workflows/{id}/run", h.RunWorkflow)
	api.HandleFunc("GET "+v1+"/workflows/{id}/runs", h.ListRuns)

	// Run inspection
	api.HandleFunc("GET "+v1+"/runs/{id}", h.GetRun)
	api.HandleFunc("POST "+v1+"/runs/{id}/cancel", h.CancelRun)

	// Credential management
	api.HandleFunc("GET "+v1+"/credentials", h.ListCredentials)
	api.HandleFunc("POST "+v1+"/credentials", h.CreateCredential)
	api.HandleFunc("DELETE "+v1+"/credentials/{id}", h.DeleteCredential)

	var handler http.Handler = mux
	if h.metrics != nil {
		handler = h.instrument(handler)
	}
	return handler
}

// instrument records per-route request counts and latency. It wraps the mux
// so the matched pattern is available after dispatch.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		h.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		h.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
