// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/server/middleware/auth"
	"github.com/flowmesh/flowmesh/internal/server/middleware/logger"
	"github.com/flowmesh/flowmesh/internal/store"
)

// CreateCredential handles POST /api/v1/credentials. The response carries
// metadata only; secret material never leaves the vault.
func (h *Handler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)
	principal, _ := auth.GetPrincipal(ctx)

	var req models.CreateCredentialRequest
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
		writeErrorResponse(w, http.StatusForbidden, "cannot manage credentials in this organization", CodeForbidden)
		return
	}

	info, err := h.vault.StoreCredential(ctx, principal.UserID, req.OrganizationID,
		req.Platform, req.Name, req.Type, req.Value, req.Fields)
	if err != nil {
		log.Error("failed to store credential", "platform", req.Platform, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to store credential", CodeInternalError)
		return
	}

	log.Info("credential stored", "credential_id", info.ID, "platform", info.Platform)
	writeSuccessResponse(w, http.StatusCreated, info)
}

// ListCredentials handles GET /api/v1/credentials
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	org := r.URL.Query().Get("org")
	if org != "" && !h.authorizer.IsOrgAdmin(principal.UserID, org) {
		writeErrorResponse(w, http.StatusForbidden, "not a member of this organization", CodeForbidden)
		return
	}

	infos, err := h.vault.ListCredentials(principal.UserID, org)
	if err != nil {
		logger.GetLogger(r.Context()).Error("failed to list credentials", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to list credentials", CodeInternalError)
		return
	}
	writeListResponse(w, infos, len(infos), 1, len(infos))
}

// DeleteCredential handles DELETE /api/v1/credentials/{id}
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := auth.GetPrincipal(ctx)
	id := r.PathValue("id")

	err := h.vault.DeleteCredential(ctx, id, principal.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "credential not found", CodeCredentialNotFound)
		return
	}
	if err != nil {
		logger.GetLogger(ctx).Error("failed to delete credential", "credential_id", id, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "failed to delete credential", CodeInternalError)
		return
	}
	writeJSONResponse(w, http.StatusNoContent, nil)
}
