// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError is a non-2xx response that carried a parseable
// ProblemDetails envelope. The envelope's retryable flag and resolved
// retry delay drive the client's retry policy.
type APIError struct {
	// Problem is the decoded error envelope.
	Problem ProblemDetails

	// RetryAfter is the resolved retry delay: the body's retryAfterMs
	// when present, otherwise the transport Retry-After header
	// (seconds). Zero when the server provided neither.
	RetryAfter time.Duration
}

func (err *APIError) Error() string {
	if err.Problem.Code != "" {
		return fmt.Sprintf("scanjob: HTTP %d %s: %s", err.Problem.Status, err.Problem.Code, err.Problem.Detail)
	}
	return fmt.Sprintf("scanjob: HTTP %d: %s", err.Problem.Status, err.Problem.Detail)
}

// MalformedResponseError is a schema violation on a response the
// server claims succeeded: a 2xx body that cannot be parsed or that
// is missing fields the protocol requires. It signals a defect (ours
// or the server's), not a business error, and is never retried.
type MalformedResponseError struct {
	StatusCode int
	Reason     string
}

func (err *MalformedResponseError) Error() string {
	return fmt.Sprintf("scanjob: malformed HTTP %d response: %s", err.StatusCode, err.Reason)
}

// RawHTTPError is the last-resort error for non-2xx responses whose
// body is not a ProblemDetails envelope (HTML error pages, proxy
// output, empty bodies).
type RawHTTPError struct {
	StatusCode int

	// Body is the response body, truncated for diagnostics.
	Body string
}

func (err *RawHTTPError) Error() string {
	if err.Body == "" {
		return fmt.Sprintf("scanjob: HTTP %d", err.StatusCode)
	}
	return fmt.Sprintf("scanjob: HTTP %d: %s", err.StatusCode, err.Body)
}

// StreamError is a terminal error event surfaced from the job's own
// event stream, as opposed to an HTTP-level failure.
type StreamError struct {
	Failure StreamFailure
}

func (err *StreamError) Error() string {
	if err.Failure.Code != "" {
		return fmt.Sprintf("scanjob: stream error %s: %s", err.Failure.Code, err.Failure.Message)
	}
	return fmt.Sprintf("scanjob: stream error: %s", err.Failure.Message)
}

// rawBodyLimit bounds how much of an unparseable error body is kept
// in a RawHTTPError.
const rawBodyLimit = 512

// translateError maps a non-2xx response to a typed error. A
// parseable ProblemDetails body wins; anything else degrades to a
// RawHTTPError carrying the status and a body excerpt.
func translateError(statusCode int, header http.Header, body []byte) error {
	problem, err := DecodeProblemDetails(body)
	if err == nil {
		return &APIError{
			Problem:    *problem,
			RetryAfter: resolveRetryAfter(problem, header),
		}
	}

	excerpt := string(body)
	if len(excerpt) > rawBodyLimit {
		excerpt = excerpt[:rawBodyLimit]
	}
	return &RawHTTPError{StatusCode: statusCode, Body: excerpt}
}

// resolveRetryAfter picks the retry delay for a structured error.
// The body's retryAfterMs is authoritative; the Retry-After header
// (whole seconds) is the fallback. The two disagree in practice when
// a proxy injects the header, which is why the body wins.
func resolveRetryAfter(problem *ProblemDetails, header http.Header) time.Duration {
	if problem.RetryAfterMs != nil {
		return time.Duration(*problem.RetryAfterMs) * time.Millisecond
	}
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// IsRetryable reports whether err may succeed on retry. Structured
// errors answer from their retryable flag; raw HTTP errors answer
// from the status class; transport-level errors (no typed error in
// the chain) are presumed transient. Malformed responses and context
// cancellation are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Problem.Retryable || apiErr.Problem.Status == 429 || apiErr.Problem.Status >= 500
	}

	var rawErr *RawHTTPError
	if errors.As(err, &rawErr) {
		return rawErr.StatusCode == 429 || rawErr.StatusCode >= 500
	}

	var malformedErr *MalformedResponseError
	if errors.As(err, &malformedErr) {
		return false
	}

	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Failure.Retryable != nil && *streamErr.Failure.Retryable
	}

	// Connection refused, timeout, unexpected EOF: transient.
	return true
}

// RetryDelay returns the server-specified retry delay carried by err,
// or zero when the error carries none.
func RetryDelay(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
