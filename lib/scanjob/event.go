// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the StreamEvent union.
type EventKind string

const (
	// EventProgress is a human-readable processing status update.
	EventProgress EventKind = "progress"

	// EventResult carries one recognized book as it is found.
	EventResult EventKind = "result"

	// EventCompleted is terminal: processing finished. Results arrive
	// inline, by reference, or (legacy servers) via earlier
	// EventResult events only.
	EventCompleted EventKind = "completed"

	// EventError is terminal: processing failed server-side.
	EventError EventKind = "error"

	// EventCanceled is terminal: the job was canceled server-side.
	EventCanceled EventKind = "canceled"

	// EventPing is a liveness signal. The stream client consumes
	// pings internally; they are never yielded to the caller.
	EventPing EventKind = "ping"

	// EventEnrichmentDegraded is informational: metadata enrichment
	// for one book fell back to a secondary source. Not a failure.
	EventEnrichmentDegraded EventKind = "enrichment_degraded"

	// EventIgnoredUnknown marks a wire label this client does not
	// recognize. Forward compatibility: never an error, never
	// terminal, and the stream client does not yield it.
	EventIgnoredUnknown EventKind = "ignored_unknown"
)

// StreamEvent is one event from a scan job's SSE stream. Kind selects
// which payload fields are populated.
type StreamEvent struct {
	Kind EventKind

	// Message is the status text for EventProgress.
	Message string

	// Book is the recognized book for EventResult.
	Book *BookResult

	// ResultsEndpoint is the fetch-by-reference URL for
	// EventCompleted. Empty when results arrived inline or the server
	// predates result references.
	ResultsEndpoint string

	// InlineItems holds results embedded in an EventCompleted. Nil
	// when the event carried no "books" field.
	InlineItems []BookResult

	// Failure describes an EventError.
	Failure *StreamFailure

	// Degraded describes an EventEnrichmentDegraded.
	Degraded *EnrichmentDegraded

	// Label is the unrecognized wire label for EventIgnoredUnknown.
	Label string
}

// Terminal reports whether no further events follow this one on the
// job's stream.
func (event StreamEvent) Terminal() bool {
	switch event.Kind {
	case EventCompleted, EventError, EventCanceled:
		return true
	}
	return false
}

// StreamFailure is the payload of a terminal error event. Code and
// Retryable mirror the ProblemDetails fields so the caller can make
// the same retry decision for stream failures as for HTTP failures.
type StreamFailure struct {
	Message   string
	Code      string
	Retryable *bool
	JobID     string
}

// EnrichmentDegraded reports that one book's metadata lookup fell
// back to a secondary source. Every field is optional on the wire;
// partial payloads decode to partially filled values.
type EnrichmentDegraded struct {
	JobID          string
	ISBN           string
	Title          string
	Reason         string
	FallbackSource string
	Timestamp      string
}

// decodeEvent parses one SSE record's payload into a StreamEvent.
// Unknown labels decode to EventIgnoredUnknown, never an error, so
// new server-side event types cannot break deployed clients. An error
// is returned only when a recognized label's payload is malformed or
// missing a required field.
func decodeEvent(label string, data []byte) (StreamEvent, error) {
	// Payload-less records (ping, canceled) decode as an empty object
	// so labels with only optional fields tolerate an absent body.
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch label {
	case "progress":
		var payload struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return StreamEvent{}, fmt.Errorf("scanjob: parsing progress event: %w", err)
		}
		if payload.Message == nil {
			return StreamEvent{}, fmt.Errorf("scanjob: progress event missing message")
		}
		return StreamEvent{Kind: EventProgress, Message: *payload.Message}, nil

	case "result":
		var book BookResult
		if err := json.Unmarshal(data, &book); err != nil {
			return StreamEvent{}, fmt.Errorf("scanjob: parsing result event: %w", err)
		}
		return StreamEvent{Kind: EventResult, Book: &book}, nil

	case "complete", "completed":
		var payload struct {
			ResultsURL string       `json:"resultsUrl"`
			Books      []BookResult `json:"books"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return StreamEvent{}, fmt.Errorf("scanjob: parsing %s event: %w", label, err)
		}
		return StreamEvent{
			Kind:            EventCompleted,
			ResultsEndpoint: payload.ResultsURL,
			InlineItems:     payload.Books,
		}, nil

	case "error":
		var payload struct {
			Message   *string `json:"message"`
			Code      string  `json:"code"`
			Retryable *bool   `json:"retryable"`
			JobID     string  `json:"jobId"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return StreamEvent{}, fmt.Errorf("scanjob: parsing error event: %w", err)
		}
		if payload.Message == nil {
			return StreamEvent{}, fmt.Errorf("scanjob: error event missing message")
		}
		return StreamEvent{
			Kind: EventError,
			Failure: &StreamFailure{
				Message:   *payload.Message,
				Code:      payload.Code,
				Retryable: payload.Retryable,
				JobID:     payload.JobID,
			},
		}, nil

	case "canceled":
		return StreamEvent{Kind: EventCanceled}, nil

	case "ping":
		return StreamEvent{Kind: EventPing}, nil

	case "enrichment_degraded":
		var payload struct {
			JobID          string `json:"jobId"`
			ISBN           string `json:"isbn"`
			Title          string `json:"title"`
			Reason         string `json:"reason"`
			FallbackSource string `json:"fallbackSource"`
			Timestamp      string `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return StreamEvent{}, fmt.Errorf("scanjob: parsing enrichment_degraded event: %w", err)
		}
		return StreamEvent{
			Kind: EventEnrichmentDegraded,
			Degraded: &EnrichmentDegraded{
				JobID:          payload.JobID,
				ISBN:           payload.ISBN,
				Title:          payload.Title,
				Reason:         payload.Reason,
				FallbackSource: payload.FallbackSource,
				Timestamp:      payload.Timestamp,
			},
		}, nil

	default:
		return StreamEvent{Kind: EventIgnoredUnknown, Label: label}, nil
	}
}
