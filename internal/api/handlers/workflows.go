// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/server/middleware/auth"
	"github.com/flowmesh/flowmesh/internal/server/middleware/logger"
	"github.com/flowmesh/flowmesh/internal/store"
)

// ListWorkflows handles GET /api/v1/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	org := r.URL.Query().Get("org")
	if org != "" && !h.authorizer.IsOrgAdmin(principal.UserID, org) {
		writeErrorResponse(w, http.StatusForbidden, "not a member of this organization", CodeForbidden)
		return
	}

	page, pageSize := parsePagination(r)
	workflows, total, err := h.store.ListWorkflows(principal.UserID, org, page, pageSize)
	if err != nil {
		logger.GetLogger(r.Context()).Error("failed to list workflows", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to list workflows", CodeInternalError)
		return
	}
	writeListResponse(w, workflows, int(total), page, pageSize)
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)
	principal, _ := auth.GetPrincipal(ctx)

	var req models.CreateWorkflowRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body", CodeInvalidInput)
		return
	}
	req.Sanitize()
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidInput)
		return
	}
	if req.OrganizationID != "" && !h.authorizer.IsOrgAdmin(principal.UserID, req.OrganizationID) {
		writeErrorResponse(w, http.StatusForbidden, "cannot create workflows in this organization", CodeForbidden)
		return
	}

	wf := &models.Workflow{
		ID:             uuid.New().String(),
		UserID:         principal.UserID,
		OrganizationID: req.OrganizationID,
		Version:        "1",
		Name:           req.Name,
		Description:    req.Description,
		Status:         models.WorkflowStatusActive,
		Trigger:        req.Trigger,
		Config:         req.Config,
		Metadata:       req.Metadata,
	}
	if err := h.store.CreateWorkflow(wf); err != nil {
		log.Error("failed to create workflow", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to create workflow", CodeInternalError)
		return
	}
	h.refreshSchedules(r)

	log.Info("workflow created", "workflow_id", wf.ID, "trigger", wf.Trigger.Type)
	writeSuccessResponse(w, http.StatusCreated, wf)
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	writeSuccessResponse(w, http.StatusOK, wf)
}

// workflowPatch is the subset of a workflow document a merge patch may touch.
type workflowPatch struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Status      models.WorkflowStatus    `json:"status"`
	Trigger     models.Trigger           `json:"trigger"`
	Config      models.WorkflowConfig    `json:"config"`
	Metadata    *models.WorkflowMetadata `json:"metadata,omitempty"`
}

// PatchWorkflow handles PATCH /api/v1/workflows/{id} with an RFC 7386 merge
// patch. The merged document is revalidated before it replaces the current
// version.
func (h *Handler) PatchWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)
	wf, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}

	patch, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(patch) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body", CodeInvalidInput)
		return
	}

	current, err := json.Marshal(workflowPatch{
		Name:        wf.Name,
		Description: wf.Description,
		Status:      wf.Status,
		Trigger:     wf.Trigger,
		Config:      wf.Config,
		Metadata:    wf.Metadata,
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "failed to patch workflow", CodeInternalError)
		return
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid merge patch", CodeInvalidInput)
		return
	}
	var doc workflowPatch
	if err := json.Unmarshal(merged, &doc); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid merge patch", CodeInvalidInput)
		return
	}

	if doc.Name == "" {
		writeErrorResponse(w, http.StatusBadRequest, "name must not be empty", CodeInvalidInput)
		return
	}
	switch doc.Status {
	case models.WorkflowStatusDraft, models.WorkflowStatusActive, models.WorkflowStatusPaused, models.WorkflowStatusError:
	default:
		writeErrorResponse(w, http.StatusBadRequest, "invalid workflow status", CodeInvalidInput)
		return
	}
	if err := models.ValidateTrigger(&doc.Trigger); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidInput)
		return
	}
	if err := models.ValidateSteps(doc.Config.Steps); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), CodeInvalidInput)
		return
	}

	wf.Name = doc.Name
	wf.Description = doc.Description
	wf.Status = doc.Status
	wf.Trigger = doc.Trigger
	wf.Config = doc.Config
	wf.Metadata = doc.Metadata
	wf.Version = bumpVersion(wf.Version)

	if err := h.store.UpdateWorkflow(wf); err != nil {
		log.Error("failed to update workflow", "workflow_id", wf.ID, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to update workflow", CodeInternalError)
		return
	}
	h.refreshSchedules(r)

	log.Info("workflow updated", "workflow_id", wf.ID, "version", wf.Version)
	writeSuccessResponse(w, http.StatusOK, wf)
}

// DeleteWorkflow handles DELETE /api/v1/workflows/{id}
func (h *Handler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)
	wf, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteWorkflow(wf.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("failed to delete workflow", "workflow_id", wf.ID, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to delete workflow", CodeInternalError)
		return
	}
	// Drop any queued runs so deleted workflows never execute.
	if err := h.queue.Purge(ctx, wf.ID); err != nil {
		log.Warn("failed to purge queue for deleted workflow", "workflow_id", wf.ID, "error", err)
	}
	h.refreshSchedules(r)

	log.Info("workflow deleted", "workflow_id", wf.ID)
	writeJSONResponse(w, http.StatusNoContent, nil)
}

// RunWorkflow handles POST /api/v1/workflows/{id}/run
func (h *Handler) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)
	wf, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}

	var req models.RunWorkflowRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid request body", CodeInvalidInput)
			return
		}
	}

	run, err := h.launcher.Launch(ctx, wf, models.TriggerManual, req.Input, nil)
	if err != nil {
		log.Error("failed to enqueue run", "workflow_id", wf.ID, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to enqueue run", CodeInternalError)
		return
	}

	log.Info("run enqueued", "workflow_id", wf.ID, "run_id", run.ID)
	writeSuccessResponse(w, http.StatusAccepted, run)
}

// ListRuns handles GET /api/v1/workflows/{id}/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	page, pageSize := parsePagination(r)
	runs, total, err := h.store.ListRuns(wf.ID, page, pageSize)
	if err != nil {
		logger.GetLogger(r.Context()).Error("failed to list runs", "workflow_id", wf.ID, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to list runs", CodeInternalError)
		return
	}
	writeListResponse(w, runs, int(total), page, pageSize)
}

// loadWorkflow resolves the {id} path value and enforces access. Workflows
// the caller may not see are reported as missing.
func (h *Handler) loadWorkflow(w http.ResponseWriter, r *http.Request) (*models.Workflow, bool) {
	principal, _ := auth.GetPrincipal(r.Context())
	id := r.PathValue("id")

	wf, err := h.store.GetWorkflow(id)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "workflow not found", CodeWorkflowNotFound)
		return nil, false
	}
	if err != nil {
		logger.GetLogger(r.Context()).Error("failed to load workflow", "workflow_id", id, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to load workflow", CodeInternalError)
		return nil, false
	}
	if !h.authorizer.CanAccess(principal.UserID, wf.UserID, wf.OrganizationID) {
		writeErrorResponse(w, http.StatusNotFound, "workflow not found", CodeWorkflowNotFound)
		return nil, false
	}
	return wf, true
}

// refreshSchedules rebuilds the cron table after a workflow mutation.
func (h *Handler) refreshSchedules(r *http.Request) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Refresh(r.Context()); err != nil {
		logger.GetLogger(r.Context()).Warn("failed to refresh schedules", "error", err)
	}
}

func bumpVersion(v string) string {
	if n, err := strconv.Atoi(v); err == nil {
		return strconv.Itoa(n + 1)
	}
	return v
}
