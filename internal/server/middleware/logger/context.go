// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// WithLogger returns a context carrying the given request-scoped logger.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// GetLogger returns the request-scoped logger stored in the context, or the
// process default when the context carries none.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
