// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/registry"
)

const maxResponseBytes = 4 << 20

func loadNet(client *http.Client) (map[string]registry.Module, map[string]error) {
	if client == nil {
		client = http.DefaultClient
	}
	return map[string]registry.Module{
		"net.http.request": httpRequest(client),
	}, nil
}

// httpRequest performs an outbound HTTP call and returns
// {status, headers, body}. The body is decoded as JSON when the response
// content type says so, otherwise returned as a string. Upstream error
// statuses are classified so the retry policy sees 5xx and 429 as
// retryable and other 4xx as permanent.
func httpRequest(client *http.Client) registry.Module {
	return func(ctx context.Context, inputs map[string]any, rc *registry.Context) (any, error) {
		rawURL, err := inputString(inputs, "url")
		if err != nil {
			return nil, err
		}
		method := strings.ToUpper(optionalString(inputs, "method", http.MethodGet))

		var body io.Reader
		if raw, ok := inputs["body"]; ok && raw != nil {
			switch b := raw.(type) {
			case string:
				body = strings.NewReader(b)
			default:
				encoded, err := json.Marshal(b)
				if err != nil {
					return nil, models.NewModuleError(models.ErrKindValidation, "body is not JSON-serializable: %v", err)
				}
				body = bytes.NewReader(encoded)
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, models.NewModuleError(models.ErrKindValidation, "invalid request: %v", err)
		}
		if headers, ok := inputs["headers"].(map[string]any); ok {
			for name, v := range headers {
				req.Header.Set(name, stringify(v))
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, models.ClassifyError(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, models.NewModuleError(models.ErrKindTransient, "reading response: %v", err)
		}

		if resp.StatusCode >= 400 {
			kind := models.ClassifyHTTPStatus(resp.StatusCode)
			me := models.NewModuleError(kind, "upstream returned %d", resp.StatusCode)
			me.Status = resp.StatusCode
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				me.RetryAfter = time.Duration(secs) * time.Second
			}
			return nil, me
		}

		var decoded any = string(raw)
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
			var parsed any
			if err := json.Unmarshal(raw, &parsed); err == nil {
				decoded = parsed
			}
		}

		headers := make(map[string]any, len(resp.Header))
		for name := range resp.Header {
			headers[name] = resp.Header.Get(name)
		}
		return map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    decoded,
		}, nil
	}
}
