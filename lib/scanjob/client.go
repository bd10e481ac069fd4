// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/shelfscan/shelfscan/lib/clock"
)

// Default tuning. The stream idle timeout is three times the server's
// 30s ping cadence so ping jitter never triggers a false reconnect.
const (
	defaultUploadAttempts    = 4 // one try plus three 5xx retries
	defaultUploadBackoff     = 500 * time.Millisecond
	defaultStreamAttempts    = 5
	defaultStreamBackoff     = time.Second
	defaultStreamBackoffMax  = 30 * time.Second
	defaultStreamIdleTimeout = 90 * time.Second
)

// Config holds configuration for creating a scan-job Client.
type Config struct {
	// BaseURL is the root URL of the scan service API. Required.
	BaseURL string

	// DeviceID identifies this device to the service. Sent as the
	// X-Device-Id header on every request and as a form field on
	// uploads. Required.
	DeviceID string

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Clock provides time operations. Defaults to clock.Real().
	// Inject clock.Fake() in tests for deterministic backoff.
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// UploadAttempts bounds upload tries on 5xx/transport errors
	// (total tries, not retries). Defaults to 4.
	UploadAttempts int

	// UploadBackoff is the initial delay between upload retries; it
	// doubles on each retry. Defaults to 500ms.
	UploadBackoff time.Duration

	// StreamReconnectAttempts bounds consecutive reconnects after
	// stream disconnects. The counter resets every time an event is
	// delivered. Defaults to 5.
	StreamReconnectAttempts int

	// StreamBackoff is the initial reconnect delay; it doubles per
	// consecutive attempt with jitter, capped at StreamBackoffMax.
	// Defaults to 1s, capped at 30s.
	StreamBackoff    time.Duration
	StreamBackoffMax time.Duration

	// StreamIdleTimeout closes and reconnects a stream that has
	// produced no records (pings included) within the window.
	// Defaults to 90s.
	StreamIdleTimeout time.Duration
}

// Client is the scan service API client. It is safe for concurrent
// use: all per-job mutable state lives in the [EventStream] and [Job]
// values it creates, never in the Client itself.
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	uploadAttempts   int
	uploadBackoff    time.Duration
	streamAttempts   int
	streamBackoff    time.Duration
	streamBackoffMax time.Duration
	idleTimeout      time.Duration
}

// NewClient creates a scan-job client from the given configuration.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("scanjob: BaseURL is required")
	}
	if config.DeviceID == "" {
		return nil, fmt.Errorf("scanjob: DeviceID is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		baseURL:          config.BaseURL,
		deviceID:         config.DeviceID,
		httpClient:       httpClient,
		clock:            clk,
		logger:           logger,
		uploadAttempts:   config.UploadAttempts,
		uploadBackoff:    config.UploadBackoff,
		streamAttempts:   config.StreamReconnectAttempts,
		streamBackoff:    config.StreamBackoff,
		streamBackoffMax: config.StreamBackoffMax,
		idleTimeout:      config.StreamIdleTimeout,
	}
	if client.uploadAttempts <= 0 {
		client.uploadAttempts = defaultUploadAttempts
	}
	if client.uploadBackoff <= 0 {
		client.uploadBackoff = defaultUploadBackoff
	}
	if client.streamAttempts <= 0 {
		client.streamAttempts = defaultStreamAttempts
	}
	if client.streamBackoff <= 0 {
		client.streamBackoff = defaultStreamBackoff
	}
	if client.streamBackoffMax <= 0 {
		client.streamBackoffMax = defaultStreamBackoffMax
	}
	if client.idleTimeout <= 0 {
		client.idleTimeout = defaultStreamIdleTimeout
	}
	return client, nil
}

// JobHandle identifies one accepted scan job. Created by
// [Client.Submit]; owned by exactly one job lifecycle; handles are
// never shared across jobs. The auth token's validity window is
// server-defined (about two hours).
type JobHandle struct {
	JobID          string
	StreamEndpoint string
	StatusEndpoint string
	AuthToken      string
	CreatedAt      time.Time
}

// Submit uploads a shelf photo and returns the accepted job's handle.
//
// Retry policy (applied internally; callers see only the final
// outcome): HTTP 429 is retried exactly once after the server's
// resolved delay; 5xx and transport errors are retried with
// exponential backoff up to the configured attempt budget; any other
// 4xx is returned immediately.
func (client *Client) Submit(ctx context.Context, image []byte) (*JobHandle, error) {
	fingerprint := ImageFingerprint(image)

	var lastErr error
	rateLimitRetried := false
	serverFailures := 0

	for {
		handle, err := client.submitOnce(ctx, image, fingerprint)
		if err == nil {
			return handle, nil
		}
		lastErr = err

		delay, retry := client.uploadRetryDelay(err, &rateLimitRetried, &serverFailures)
		if !retry {
			return nil, lastErr
		}

		client.logger.Warn("upload failed, retrying",
			"delay", delay,
			"attempt", serverFailures,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-client.clock.After(delay):
		}
	}
}

// uploadRetryDelay decides whether an upload error is worth another
// try and how long to wait first. rateLimitRetried and serverFailures
// persist across attempts of one Submit call.
func (client *Client) uploadRetryDelay(err error, rateLimitRetried *bool, serverFailures *int) (time.Duration, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	// Schema violations are defects, not transient conditions.
	var malformedErr *MalformedResponseError
	if errors.As(err, &malformedErr) {
		return 0, false
	}

	statusCode := 0
	var apiErr *APIError
	var rawErr *RawHTTPError
	switch {
	case errors.As(err, &apiErr):
		statusCode = apiErr.Problem.Status
	case errors.As(err, &rawErr):
		statusCode = rawErr.StatusCode
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Exactly one deferred retry, honoring the server's delay.
		if *rateLimitRetried {
			return 0, false
		}
		*rateLimitRetried = true
		delay := RetryDelay(err)
		if delay <= 0 {
			delay = client.uploadBackoff
		}
		return delay, true

	case statusCode >= 500, statusCode == 0:
		// 5xx or a transport-level failure (no status at all).
		*serverFailures++
		if *serverFailures >= client.uploadAttempts {
			return 0, false
		}
		return client.uploadBackoff << (*serverFailures - 1), true

	default:
		// Other 4xx: permanent.
		return 0, false
	}
}

// submitOnce performs a single upload attempt.
func (client *Client) submitOnce(ctx context.Context, image []byte, fingerprint string) (*JobHandle, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image", "shelf.jpg")
	if err != nil {
		return nil, fmt.Errorf("scanjob: building upload body: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("scanjob: building upload body: %w", err)
	}
	if err := writer.WriteField("deviceId", client.deviceID); err != nil {
		return nil, fmt.Errorf("scanjob: building upload body: %w", err)
	}
	if err := writer.WriteField("contentDigest", fingerprint); err != nil {
		return nil, fmt.Errorf("scanjob: building upload body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("scanjob: building upload body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		joinEndpoint(client.baseURL, "/v3/jobs"), &body)
	if err != nil {
		return nil, fmt.Errorf("scanjob: creating upload request: %w", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("X-Device-Id", client.deviceID)
	request.Header.Set("X-Content-Digest", fingerprint)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("scanjob: uploading image: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := readBody(response.Body)
	if err != nil {
		return nil, fmt.Errorf("scanjob: reading upload response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, translateError(response.StatusCode, response.Header, responseBody)
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			JobID          string `json:"jobId"`
			StreamEndpoint string `json:"streamEndpoint"`
			AuthToken      string `json:"authToken"`
			StatusEndpoint string `json:"statusEndpoint"`
		} `json:"data"`
	}
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return nil, &MalformedResponseError{
			StatusCode: response.StatusCode,
			Reason:     fmt.Sprintf("decoding upload envelope: %v", err),
		}
	}
	if envelope.Data.JobID == "" {
		return nil, &MalformedResponseError{
			StatusCode: response.StatusCode,
			Reason:     "upload envelope missing jobId",
		}
	}
	if envelope.Data.StreamEndpoint == "" {
		return nil, &MalformedResponseError{
			StatusCode: response.StatusCode,
			Reason:     "upload envelope missing streamEndpoint",
		}
	}

	client.logger.Info("scan job accepted",
		"job_id", envelope.Data.JobID,
		"fingerprint", fingerprint,
	)

	return &JobHandle{
		JobID:          envelope.Data.JobID,
		StreamEndpoint: envelope.Data.StreamEndpoint,
		StatusEndpoint: envelope.Data.StatusEndpoint,
		AuthToken:      envelope.Data.AuthToken,
		CreatedAt:      client.clock.Now(),
	}, nil
}

// FetchResults retrieves the full result list for a completed job.
// Used when the terminal completed event carried no inline items.
// Idempotent: a pure read, safe to repeat.
func (client *Client) FetchResults(ctx context.Context, handle *JobHandle, resultsEndpoint string) ([]BookResult, error) {
	url := withLiteFormat(joinEndpoint(client.baseURL, resultsEndpoint))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("scanjob: creating results request: %w", err)
	}
	request.Header.Set("X-Device-Id", client.deviceID)
	if handle.AuthToken != "" {
		request.Header.Set("Authorization", "Bearer "+handle.AuthToken)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("scanjob: fetching results: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := readBody(response.Body)
	if err != nil {
		return nil, fmt.Errorf("scanjob: reading results response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, translateError(response.StatusCode, response.Header, responseBody)
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			JobID   string       `json:"jobId"`
			Status  string       `json:"status"`
			Results []BookResult `json:"results"`
		} `json:"data"`
	}
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return nil, &MalformedResponseError{
			StatusCode: response.StatusCode,
			Reason:     fmt.Sprintf("decoding results envelope: %v", err),
		}
	}

	return envelope.Data.Results, nil
}

// Cleanup deletes the server-side job. Idempotent: the server answers
// repeated deletes with success, so callers may retry freely. The
// job coordinator calls this best-effort on every terminal state.
func (client *Client) Cleanup(ctx context.Context, handle *JobHandle) error {
	url := joinEndpoint(client.baseURL, "/v3/jobs/"+handle.JobID)

	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("scanjob: creating cleanup request: %w", err)
	}
	request.Header.Set("X-Device-Id", client.deviceID)
	if handle.AuthToken != "" {
		request.Header.Set("Authorization", "Bearer "+handle.AuthToken)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("scanjob: cleaning up job %s: %w", handle.JobID, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := readBody(response.Body)
		return translateError(response.StatusCode, response.Header, body)
	}
	return nil
}
