// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind classifies module and engine failures.
type ErrorKind string

const (
	// ErrKindValidation covers malformed workflows, unknown modules and
	// bad input shapes. Permanent.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindCredentialMissing covers absent or non-refreshable
	// credentials. Permanent.
	ErrKindCredentialMissing ErrorKind = "credential-missing"
	// ErrKindTransient covers network errors, 5xx responses and other
	// failures worth retrying.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindPermanent covers provider-declared permanent failures and
	// 4xx responses other than 408/429.
	ErrKindPermanent ErrorKind = "permanent"
	// ErrKindRateLimited covers 429 responses and limiter saturation.
	ErrKindRateLimited ErrorKind = "rate-limited"
	// ErrKindBreakerOpen is a fail-fast from an open circuit breaker.
	ErrKindBreakerOpen ErrorKind = "breaker-open"
	// ErrKindTimeout covers per-call and per-run deadline expiry.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindCancelled marks runs stopped by cancellation.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindInternal covers engine bugs and serialization failures.
	ErrKindInternal ErrorKind = "internal"
)

// ModuleError is the structured failure captured into StepResult.Error and
// Run.Error. Messages are sanitized before they reach the user: no credential
// material, no stack traces.
type ModuleError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider,omitempty"`
	Status    int       `json:"status,omitempty"`
	Retryable bool      `json:"retryable"`
	// RetryAfter carries an upstream Retry-After hint; the retry policy
	// waits at least this long before the next attempt.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *ModuleError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewModuleError builds a ModuleError with retryability derived from kind.
func NewModuleError(kind ErrorKind, format string, args ...any) *ModuleError {
	return &ModuleError{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kindRetryable(kind),
	}
}

func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrKindTransient, ErrKindRateLimited, ErrKindTimeout, ErrKindBreakerOpen:
		return true
	}
	return false
}

// ErrBreakerOpen is the sentinel wrapped by breaker fail-fasts.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// ClassifyError normalizes an arbitrary error into a ModuleError. Module
// implementations may return a *ModuleError directly to control the
// classification; everything else falls through heuristics.
func ClassifyError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	var me *ModuleError
	if errors.As(err, &me) {
		return me
	}
	switch {
	case errors.Is(err, ErrBreakerOpen):
		return NewModuleError(ErrKindBreakerOpen, "circuit breaker is open")
	case errors.Is(err, context.DeadlineExceeded):
		return NewModuleError(ErrKindTimeout, "operation timed out")
	case errors.Is(err, context.Canceled):
		return NewModuleError(ErrKindCancelled, "run cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewModuleError(ErrKindTimeout, "network timeout: %v", netErr)
		}
		return NewModuleError(ErrKindTransient, "network error: %v", netErr)
	}
	return NewModuleError(ErrKindInternal, "%v", err)
}

// ClassifyHTTPStatus maps an upstream HTTP status to an error kind per the
// retry taxonomy: 5xx, 408 transient; 429 rate-limited; other 4xx permanent.
func ClassifyHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrKindRateLimited
	case status == http.StatusRequestTimeout:
		return ErrKindTransient
	case status >= 500:
		return ErrKindTransient
	case status >= 400:
		return ErrKindPermanent
	default:
		return ErrKindInternal
	}
}
