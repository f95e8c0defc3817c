// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/flowmesh/flowmesh/internal/scheduler"
	"github.com/flowmesh/flowmesh/internal/server/middleware/logger"
)

const maxWebhookBody = 1 << 20

// DeliverWebhook handles POST /webhooks/{path...}. The request body and
// headers become the run input for every active workflow bound to the path.
func (h *Handler) DeliverWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)
	path := r.PathValue("path")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "failed to read body", CodeInvalidInput)
		return
	}

	var body any
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" && len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body", CodeInvalidInput)
			return
		}
	} else {
		body = string(raw)
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	secret := r.Header.Get("X-Webhook-Secret")

	runs, err := h.scheduler.Deliver(ctx, path, body, headers, secret)
	if errors.Is(err, scheduler.ErrNoWebhook) && !strings.HasPrefix(path, "/") {
		// Workflows may register the path with a leading slash.
		runs, err = h.scheduler.Deliver(ctx, "/"+path, body, headers, secret)
	}
	switch {
	case errors.Is(err, scheduler.ErrNoWebhook):
		writeErrorResponse(w, http.StatusNotFound, "no workflow registered for this path", CodeWebhookNotFound)
		return
	case errors.Is(err, scheduler.ErrBadWebhookSecret):
		writeErrorResponse(w, http.StatusForbidden, "webhook secret mismatch", CodeForbidden)
		return
	case err != nil:
		log.Error("webhook delivery failed", "path", path, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "webhook delivery failed", CodeInternalError)
		return
	}

	runIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
	}
	log.Info("webhook delivered", "path", path, "runs", len(runIDs))
	writeSuccessResponse(w, http.StatusAccepted, map[string]any{"runIds": runIDs})
}
