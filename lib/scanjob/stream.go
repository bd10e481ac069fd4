// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/shelfscan/shelfscan/lib/clock"
)

// retryState is the per-stream reconnect bookkeeping. lastEventID
// only ever moves forward in arrival order within one stream session;
// it is reset only by creating a new stream for a new JobHandle.
type retryState struct {
	attempts    int
	lastEventID string
}

// EventStream yields a job's stream events via [EventStream.Next]
// until a terminal event arrives, after which Next returns [io.EOF].
//
// Transport disconnects and idle timeouts are handled internally:
// the stream reconnects with a Last-Event-ID header carrying the most
// recently observed event id, so the server replays anything buffered
// since the drop. Events older than the server's replay window
// (about 60s) may be unreplayable; the stream resumes silently from
// whatever the server still has rather than failing.
//
// EventStream is not safe for concurrent use, except for [Close].
type EventStream struct {
	client *Client
	handle *JobHandle
	ctx    context.Context

	state   retryState
	scanner *sseScanner

	// connMu guards body and idleTimer against the idle watchdog and
	// Close, both of which fire from other goroutines.
	connMu    sync.Mutex
	body      io.ReadCloser
	idleTimer *clock.Timer
	closed    bool

	done bool
}

// Stream opens the event stream for an accepted job. The returned
// stream must be closed when done, even if iteration ended early.
// The context covers the whole life of the stream, reconnects
// included.
func (client *Client) Stream(ctx context.Context, handle *JobHandle) (*EventStream, error) {
	stream := &EventStream{
		client: client,
		handle: handle,
		ctx:    ctx,
	}
	if err := stream.connect(); err != nil {
		return nil, err
	}
	return stream, nil
}

// connect opens one streaming connection, sending Last-Event-ID when
// this is a reconnect.
func (stream *EventStream) connect() error {
	url := joinEndpoint(stream.client.baseURL, stream.handle.StreamEndpoint)

	request, err := http.NewRequestWithContext(stream.ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("scanjob: creating stream request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("X-Device-Id", stream.client.deviceID)
	if stream.handle.AuthToken != "" {
		request.Header.Set("Authorization", "Bearer "+stream.handle.AuthToken)
	}
	if stream.state.lastEventID != "" {
		request.Header.Set("Last-Event-ID", stream.state.lastEventID)
	}

	response, err := stream.client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("scanjob: connecting stream for job %s: %w", stream.handle.JobID, err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		body, _ := readBody(response.Body)
		return translateError(response.StatusCode, response.Header, body)
	}

	stream.connMu.Lock()
	defer stream.connMu.Unlock()
	if stream.closed {
		response.Body.Close()
		return fmt.Errorf("scanjob: stream for job %s is closed", stream.handle.JobID)
	}
	stream.body = response.Body
	stream.scanner = newSSEScanner(response.Body)

	// Idle watchdog: if no record (pings included) arrives within the
	// window, close the connection. The scanner then reports a read
	// error, which Next treats exactly like a transport disconnect.
	body := response.Body
	stream.idleTimer = stream.client.clock.AfterFunc(stream.client.idleTimeout, func() {
		stream.client.logger.Warn("stream idle timeout, forcing reconnect",
			"job_id", stream.handle.JobID,
			"idle_timeout", stream.client.idleTimeout,
		)
		body.Close()
	})
	return nil
}

// Next returns the next event from the stream. Returns io.EOF after
// the terminal event has been yielded. Decode failures on a
// recognized event type are returned as errors but do not end the
// stream; the replay position was already advanced, so subsequent
// calls continue from the next record.
//
// Ping and unknown events are consumed internally and never returned.
func (stream *EventStream) Next() (StreamEvent, error) {
	for {
		if stream.done {
			return StreamEvent{}, io.EOF
		}

		if !stream.scanner.Next() {
			if err := stream.reconnect(stream.scanner.Err()); err != nil {
				stream.done = true
				stream.teardown()
				return StreamEvent{}, err
			}
			continue
		}

		record := stream.scanner.Record()

		// Update the replay position before decoding, so a malformed
		// payload cannot lose it.
		if record.ID != "" {
			stream.state.lastEventID = record.ID
		}
		stream.touchIdleTimer()

		event, err := decodeEvent(record.Type, []byte(record.Data))
		if err != nil {
			return StreamEvent{}, err
		}

		switch event.Kind {
		case EventPing:
			// Liveness only; the idle timer was already reset.
			continue
		case EventIgnoredUnknown:
			stream.client.logger.Debug("ignoring unknown stream event",
				"job_id", stream.handle.JobID,
				"label", event.Label,
			)
			continue
		}

		// A delivered event proves the connection is healthy again.
		stream.state.attempts = 0

		if event.Terminal() {
			stream.done = true
			stream.teardown()
		}
		return event, nil
	}
}

// reconnect handles a connection that ended without a terminal event:
// jittered exponential backoff, then a new connection resuming from
// lastEventID. A redial that itself fails with a retryable error
// (connection refused, 503 while the server restarts) consumes an
// attempt and goes back around; only non-retryable errors (an expired
// token, say) fail immediately. Returns an error once the attempt
// budget is exhausted or the context is canceled.
func (stream *EventStream) reconnect(cause error) error {
	stream.teardown()

	for {
		if err := stream.ctx.Err(); err != nil {
			return err
		}

		stream.state.attempts++
		if stream.state.attempts > stream.client.streamAttempts {
			if cause == nil {
				cause = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("scanjob: stream for job %s disconnected after %d reconnect attempts: %w",
				stream.handle.JobID, stream.client.streamAttempts, cause)
		}

		delay := stream.backoffDelay(stream.state.attempts)
		stream.client.logger.Warn("stream disconnected, reconnecting",
			"job_id", stream.handle.JobID,
			"attempt", stream.state.attempts,
			"delay", delay,
			"last_event_id", stream.state.lastEventID,
			"cause", cause,
		)

		select {
		case <-stream.ctx.Done():
			return stream.ctx.Err()
		case <-stream.client.clock.After(delay):
		}

		err := stream.connect()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		cause = err
	}
}

// backoffDelay computes the jittered exponential delay for the given
// consecutive attempt number (1-based). The jitter spreads delays
// over [base/2, base] so a fleet of clients dropped by one server
// restart does not reconnect in lockstep.
func (stream *EventStream) backoffDelay(attempt int) time.Duration {
	base := stream.client.streamBackoff << (attempt - 1)
	if base > stream.client.streamBackoffMax {
		base = stream.client.streamBackoffMax
	}
	half := base / 2
	if half <= 0 {
		return base
	}
	return half + rand.N(half)
}

// touchIdleTimer re-arms the idle watchdog after a record arrived.
func (stream *EventStream) touchIdleTimer() {
	stream.connMu.Lock()
	defer stream.connMu.Unlock()
	if stream.idleTimer != nil {
		stream.idleTimer.Reset(stream.client.idleTimeout)
	}
}

// teardown stops the idle watchdog and closes the current connection,
// if any.
func (stream *EventStream) teardown() {
	stream.connMu.Lock()
	defer stream.connMu.Unlock()
	if stream.idleTimer != nil {
		stream.idleTimer.Stop()
		stream.idleTimer = nil
	}
	if stream.body != nil {
		stream.body.Close()
		stream.body = nil
	}
}

// Close releases the stream's connection. Safe to call from any
// goroutine and more than once. Closing does not clean up the
// server-side job: a canceled client task does not imply the server
// should discard a still-processing job. Callers that want that call
// [Client.Cleanup] explicitly.
func (stream *EventStream) Close() error {
	stream.connMu.Lock()
	stream.closed = true
	stream.connMu.Unlock()
	stream.teardown()
	return nil
}

// LastEventID returns the most recently observed event id, the
// stream's replay position. Empty until the first record with an id.
func (stream *EventStream) LastEventID() string {
	return stream.state.lastEventID
}

// Done reports whether the stream has ended, either by yielding a
// terminal event or by a fatal transport failure. A false return
// after [EventStream.Next] returned an error means the error was a
// skippable decode failure and iteration may continue.
func (stream *EventStream) Done() bool {
	return stream.done
}
