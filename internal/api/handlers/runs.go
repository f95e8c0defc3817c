// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/server/middleware/auth"
	"github.com/flowmesh/flowmesh/internal/server/middleware/logger"
	"github.com/flowmesh/flowmesh/internal/store"
	"github.com/flowmesh/flowmesh/internal/worker"
)

// GetRun handles GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeSuccessResponse(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel. Queued runs are marked
// cancelled directly; running ones get a cancel broadcast and the executing
// worker finalizes the record.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	if run.Status.Terminal() {
		writeErrorResponse(w, http.StatusConflict, "run already finished", CodeRunNotCancellable)
		return
	}

	switch run.Status {
	case models.RunStatusQueued:
		now := time.Now().UTC()
		run.Status = models.RunStatusCancelled
		run.FinishedAt = &now
		if err := h.store.UpdateRun(run); err != nil && !errors.Is(err, store.ErrTerminalRun) {
			log.Error("failed to cancel run", "run_id", run.ID, "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, "failed to cancel run", CodeInternalError)
			return
		}
	case models.RunStatusRunning:
		if err := worker.PublishCancel(ctx, h.redis, run.ID); err != nil {
			log.Error("failed to broadcast cancel", "run_id", run.ID, "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, "failed to cancel run", CodeInternalError)
			return
		}
	}

	log.Info("run cancel requested", "run_id", run.ID, "status", run.Status)
	writeSuccessResponse(w, http.StatusAccepted, run)
}

// loadRun resolves the {id} path value and enforces access. Runs the caller
// may not see are reported as missing.
func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	principal, _ := auth.GetPrincipal(r.Context())
	id := r.PathValue("id")

	run, err := h.store.GetRun(id)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "run not found", CodeRunNotFound)
		return nil, false
	}
	if err != nil {
		logger.GetLogger(r.Context()).Error("failed to load run", "run_id", id, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to load run", CodeInternalError)
		return nil, false
	}
	if !h.authorizer.CanAccess(principal.UserID, run.UserID, run.OrganizationID) {
		writeErrorResponse(w, http.StatusNotFound, "run not found", CodeRunNotFound)
		return nil, false
	}
	return run, true
}
