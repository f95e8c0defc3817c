// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package models

// APIResponse represents a standard API response wrapper
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ListResponse represents a paginated list response
type ListResponse[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"totalCount"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
}

// SuccessResponse wraps data in a successful APIResponse.
func SuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{Success: true, Data: data}
}

// ErrorResponse builds a failed APIResponse with a machine-readable code.
func ErrorResponse(message, code string) APIResponse[struct{}] {
	return APIResponse[struct{}]{Success: false, Error: message, Code: code}
}

// ListSuccessResponse wraps a page of items.
func ListSuccessResponse[T any](items []T, total, page, pageSize int) APIResponse[ListResponse[T]] {
	if items == nil {
		items = []T{}
	}
	return APIResponse[ListResponse[T]]{
		Success: true,
		Data: ListResponse[T]{
			Items:      items,
			TotalCount: total,
			Page:       page,
			PageSize:   pageSize,
		},
	}
}
