// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestTranslateErrorStructured(t *testing.T) {
	t.Parallel()

	err := translateError(429, http.Header{}, []byte(minimalProblem))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("translateError returned %T, want *APIError", err)
	}
	if apiErr.Problem.Status != 429 || apiErr.Problem.Code != "RATE_LIMITED" {
		t.Errorf("Problem = %+v", apiErr.Problem)
	}
	if apiErr.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 (no delay supplied)", apiErr.RetryAfter)
	}
}

func TestTranslateErrorBodyDelayWinsOverHeader(t *testing.T) {
	t.Parallel()

	body := `{"success":false,"type":"t","title":"T","status":429,"detail":"d","code":"RATE_LIMITED","retryable":true,"retryAfterMs":2000}`
	header := http.Header{}
	header.Set("Retry-After", "5")

	err := translateError(429, header, []byte(body))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("translateError returned %T, want *APIError", err)
	}
	if apiErr.RetryAfter != 2000*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 2s (body wins over header)", apiErr.RetryAfter)
	}
}

func TestTranslateErrorHeaderFallback(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Retry-After", "5")

	err := translateError(429, header, []byte(minimalProblem))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("translateError returned %T, want *APIError", err)
	}
	if apiErr.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s from header", apiErr.RetryAfter)
	}
}

func TestTranslateErrorRawFallback(t *testing.T) {
	t.Parallel()

	err := translateError(502, http.Header{}, []byte("<html>bad gateway</html>"))

	var rawErr *RawHTTPError
	if !errors.As(err, &rawErr) {
		t.Fatalf("translateError returned %T, want *RawHTTPError", err)
	}
	if rawErr.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want 502", rawErr.StatusCode)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	retryableTrue := true

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"structured retryable", &APIError{Problem: ProblemDetails{Status: 503, Retryable: true}}, true},
		{"structured permanent 400", &APIError{Problem: ProblemDetails{Status: 400, Retryable: false}}, false},
		{"structured 500 without flag", &APIError{Problem: ProblemDetails{Status: 500}}, true},
		{"raw 500", &RawHTTPError{StatusCode: 500}, true},
		{"raw 404", &RawHTTPError{StatusCode: 404}, false},
		{"malformed", &MalformedResponseError{StatusCode: 200, Reason: "x"}, false},
		{"stream retryable", &StreamError{Failure: StreamFailure{Retryable: &retryableTrue}}, true},
		{"stream unknown", &StreamError{Failure: StreamFailure{}}, false},
		{"transport", fmt.Errorf("dial tcp: connection refused"), true},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("scanjob: %w", context.Canceled), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(test.err); got != test.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestErrorStrings(t *testing.T) {
	t.Parallel()

	apiErr := &APIError{Problem: ProblemDetails{Status: 429, Code: "RATE_LIMITED", Detail: "slow down"}}
	if got := apiErr.Error(); got != "scanjob: HTTP 429 RATE_LIMITED: slow down" {
		t.Errorf("APIError.Error() = %q", got)
	}

	streamErr := &StreamError{Failure: StreamFailure{Code: "VISION_DOWN", Message: "no workers"}}
	if got := streamErr.Error(); got != "scanjob: stream error VISION_DOWN: no workers" {
		t.Errorf("StreamError.Error() = %q", got)
	}
}
