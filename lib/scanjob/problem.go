// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"encoding/json"
	"fmt"
)

// ProblemDetails is the RFC 9457-style error envelope the scan
// service returns on every non-2xx response. Retryable and
// RetryAfterMs drive the client's retry policy; Code is a stable
// machine-readable identifier for UI-level decisions.
type ProblemDetails struct {
	Success   bool   `json:"success"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`

	// RetryAfterMs, when present, is the server's authoritative retry
	// delay. It takes precedence over any transport-level Retry-After
	// header.
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`

	// Instance identifies the specific occurrence (typically a URI).
	Instance string `json:"instance,omitempty"`

	// Metadata carries free-form diagnostic key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DecodeProblemDetails parses a ProblemDetails envelope. All seven
// core fields must be present; the optional fields keep nil/zero
// semantics when absent. A body that is not a ProblemDetails envelope
// (wrong shape, missing required fields, not JSON) returns an error;
// callers fall back to a raw HTTP error in that case.
func DecodeProblemDetails(data []byte) (*ProblemDetails, error) {
	// Pointer fields distinguish "absent" from the zero value for the
	// required booleans and integers.
	var wire struct {
		Success      *bool             `json:"success"`
		Type         *string           `json:"type"`
		Title        *string           `json:"title"`
		Status       *int              `json:"status"`
		Detail       *string           `json:"detail"`
		Code         *string           `json:"code"`
		Retryable    *bool             `json:"retryable"`
		RetryAfterMs *int64            `json:"retryAfterMs"`
		Instance     string            `json:"instance"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("scanjob: parsing problem details: %w", err)
	}

	for name, present := range map[string]bool{
		"success":   wire.Success != nil,
		"type":      wire.Type != nil,
		"title":     wire.Title != nil,
		"status":    wire.Status != nil,
		"detail":    wire.Detail != nil,
		"code":      wire.Code != nil,
		"retryable": wire.Retryable != nil,
	} {
		if !present {
			return nil, fmt.Errorf("scanjob: problem details missing required field %q", name)
		}
	}

	return &ProblemDetails{
		Success:      *wire.Success,
		Type:         *wire.Type,
		Title:        *wire.Title,
		Status:       *wire.Status,
		Detail:       *wire.Detail,
		Code:         *wire.Code,
		Retryable:    *wire.Retryable,
		RetryAfterMs: wire.RetryAfterMs,
		Instance:     wire.Instance,
		Metadata:     wire.Metadata,
	}, nil
}
