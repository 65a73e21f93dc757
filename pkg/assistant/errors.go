// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
)

var (
	// ErrAuthUnavailable means no credential source in the priority chain
	// produced a usable token. Initialization cannot proceed.
	ErrAuthUnavailable = errors.New("no bot credential available")

	// ErrSpaceNotFound means the configured community space does not exist
	// on the homeserver. This is fatal: the bot never creates the space.
	ErrSpaceNotFound = errors.New("community space not found")

	// ErrToolNotFound is returned by the tool registry for unknown tool names.
	ErrToolNotFound = errors.New("unknown tool")
)

// RateLimitedError carries the server-directed wait from a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ToolExecutionError wraps a tool failure so the conversation can continue
// with an error result instead of aborting the turn.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// httpStatus extracts the HTTP status code from a mautrix request error,
// or 0 when the error carries none (network failure, context cancellation).
func httpStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	return 0
}

func isNotFound(err error) bool {
	return errors.Is(err, mautrix.MNotFound) || httpStatus(err) == http.StatusNotFound
}

func isForbidden(err error) bool {
	return errors.Is(err, mautrix.MForbidden) || httpStatus(err) == http.StatusForbidden
}

func isGatewayTimeout(err error) bool {
	return httpStatus(err) == http.StatusGatewayTimeout
}

// retryAfter pulls retry_after_ms out of an M_LIMIT_EXCEEDED response body.
// The fallback is used when the server omits the field.
func retryAfter(err error, fallback time.Duration) (time.Duration, bool) {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return 0, false
	}
	if httpErr.RespError == nil || httpErr.RespError.ErrCode != "M_LIMIT_EXCEEDED" {
		if httpErr.Response == nil || httpErr.Response.StatusCode != http.StatusTooManyRequests {
			return 0, false
		}
	}
	if httpErr.RespError != nil {
		if raw, ok := httpErr.RespError.ExtraData["retry_after_ms"]; ok {
			if ms, ok := raw.(float64); ok && ms > 0 {
				return time.Duration(ms) * time.Millisecond, true
			}
		}
	}
	return fallback, true
}
