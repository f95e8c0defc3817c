// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/flowmesh/flowmesh/internal/server/middleware/logger"
)

// Health handles GET /healthz. It reports process liveness only.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /readyz. It verifies the database and queue are
// reachable before the instance accepts traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		logger.GetLogger(ctx).Warn("readiness check failed", "dependency", "database", "error", err)
		writeErrorResponse(w, http.StatusServiceUnavailable, "database unavailable", CodeInternalError)
		return
	}

	if err := h.queue.Ping(ctx); err != nil {
		logger.GetLogger(ctx).Warn("readiness check failed", "dependency", "queue", "error", err)
		writeErrorResponse(w, http.StatusServiceUnavailable, "queue unavailable", CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}
