// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flowmesh/flowmesh/internal/models"
)

// Error codes returned in the body of failed responses.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	CodeRunNotFound        = "RUN_NOT_FOUND"
	CodeCredentialNotFound = "CREDENTIAL_NOT_FOUND"
	CodeWebhookNotFound    = "WEBHOOK_NOT_FOUND"
	CodeRunNotCancellable  = "RUN_NOT_CANCELLABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		// Ignore encoding errors as response is already committed
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeSuccessResponse writes a successful API response
func writeSuccessResponse[T any](w http.ResponseWriter, statusCode int, data T) {
	response := models.SuccessResponse(data)
	writeJSONResponse(w, statusCode, response)
}

// writeErrorResponse writes an error API response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message, code string) {
	response := models.ErrorResponse(message, code)
	writeJSONResponse(w, statusCode, response)
}

// writeListResponse writes a paginated list response
func writeListResponse[T any](w http.ResponseWriter, items []T, total, page, pageSize int) {
	response := models.ListSuccessResponse(items, total, page, pageSize)
	writeJSONResponse(w, http.StatusOK, response)
}

// parsePagination reads page and limit query parameters with defaults.
func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		pageSize = v
	}
	return page, pageSize
}

// decodeJSONBody decodes a request body into dst, rejecting unknown fields.
func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
