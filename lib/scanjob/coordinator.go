// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// JobState is a job's position in its lifecycle. Transitions are
// one-directional: Created → Uploading → Streaming → (Resolving) →
// one of the terminal states.
type JobState string

const (
	StateCreated   JobState = "created"
	StateUploading JobState = "uploading"
	StateStreaming JobState = "streaming"
	StateResolving JobState = "resolving"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCanceled  JobState = "canceled"
)

// ErrJobCanceled is returned by [Job.Run] when the server reported
// the job canceled. It is a terminal outcome, not a failure.
var ErrJobCanceled = errors.New("scanjob: job canceled")

// cleanupTimeout bounds the best-effort cleanup call so a dead server
// cannot hang a finished job.
const cleanupTimeout = 10 * time.Second

// Job coordinates one scan job's full lifecycle: upload, stream,
// result resolution, cleanup. Each Job owns its own stream and retry
// state; nothing is shared between concurrently running jobs, so a
// failure in one job cannot disturb another.
//
// Create with [Client.NewJob], then call [Job.Run] exactly once.
type Job struct {
	client *Client
	logger *slog.Logger

	mu     sync.Mutex
	state  JobState
	handle *JobHandle

	events chan StreamEvent
}

// NewJob creates a coordinator for one scan job.
func (client *Client) NewJob() *Job {
	return &Job{
		client: client,
		logger: client.logger,
		state:  StateCreated,
		events: make(chan StreamEvent, 16),
	}
}

// State returns the job's current lifecycle state.
func (job *Job) State() JobState {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.state
}

// Handle returns the job's server handle, or nil before the upload
// has been accepted.
func (job *Job) Handle() *JobHandle {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.handle
}

// Events returns the channel on which the job's stream events are
// delivered while Run executes. The channel is closed when the job
// reaches a terminal state.
func (job *Job) Events() <-chan StreamEvent {
	return job.events
}

func (job *Job) setState(state JobState) {
	job.mu.Lock()
	job.state = state
	job.mu.Unlock()
}

// Run drives the job to a terminal state and returns the final
// result list. On EventCompleted with inline items the items are
// returned directly; with a results endpoint instead, they are
// fetched; with neither (legacy servers), the books accumulated from
// result events are returned.
//
// Every terminal state triggers exactly one best-effort cleanup call;
// cleanup failures are logged, never returned, and never change the
// outcome. Caller cancellation is the exception: it closes the stream
// promptly but deliberately leaves the server-side job alone, because
// a canceled client task does not mean the job's results are unwanted.
func (job *Job) Run(ctx context.Context, image []byte) ([]BookResult, error) {
	defer close(job.events)

	job.setState(StateUploading)
	handle, err := job.client.Submit(ctx, image)
	if err != nil {
		job.setState(StateFailed)
		return nil, err
	}
	job.mu.Lock()
	job.handle = handle
	job.mu.Unlock()

	cleanedUp := false
	cleanup := func() {
		if cleanedUp {
			return
		}
		cleanedUp = true
		// Detached from the caller's context: cleanup must run even
		// when the job just failed because that context's deadline
		// passed.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := job.client.Cleanup(cleanupCtx, handle); err != nil {
			job.logger.Warn("job cleanup failed",
				"job_id", handle.JobID,
				"error", err,
			)
		}
	}

	job.setState(StateStreaming)
	stream, err := job.client.Stream(ctx, handle)
	if err != nil {
		job.setState(StateFailed)
		if !errors.Is(err, context.Canceled) {
			cleanup()
		}
		return nil, err
	}
	defer stream.Close()

	// Books accumulated from result events; the fallback result list
	// when a legacy completed event carries neither inline items nor
	// a results endpoint.
	var streamed []BookResult

	for {
		event, err := stream.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Caller cancellation: close the stream, skip cleanup.
				job.setState(StateCanceled)
				return nil, err
			}
			// Decode failures on recognized events are logged and
			// skipped; the replay position is already past them, and
			// one malformed payload should not abandon the job. A
			// finished stream means a fatal transport failure.
			if !stream.Done() {
				job.logger.Warn("skipping undecodable stream event",
					"job_id", handle.JobID,
					"error", err,
				)
				continue
			}
			job.setState(StateFailed)
			cleanup()
			return nil, err
		}

		if err := job.deliver(ctx, event); err != nil {
			job.setState(StateCanceled)
			return nil, err
		}

		switch event.Kind {
		case EventResult:
			if event.Book != nil {
				streamed = append(streamed, *event.Book)
			}

		case EventCompleted:
			results, err := job.finishCompleted(ctx, handle, event, streamed)
			if err != nil {
				job.setState(StateFailed)
				cleanup()
				return nil, err
			}
			job.setState(StateCompleted)
			cleanup()
			return results, nil

		case EventError:
			job.setState(StateFailed)
			cleanup()
			return nil, &StreamError{Failure: *event.Failure}

		case EventCanceled:
			job.setState(StateCanceled)
			cleanup()
			return nil, ErrJobCanceled
		}
	}
}

// finishCompleted resolves the final result list for a completed
// event: inline items win; otherwise the results endpoint is fetched;
// otherwise the books streamed so far stand.
func (job *Job) finishCompleted(ctx context.Context, handle *JobHandle, event StreamEvent, streamed []BookResult) ([]BookResult, error) {
	if len(event.InlineItems) > 0 {
		return event.InlineItems, nil
	}
	if event.ResultsEndpoint == "" {
		return streamed, nil
	}

	job.setState(StateResolving)
	results, err := job.client.FetchResults(ctx, handle, event.ResultsEndpoint)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// deliver hands an event to the caller's channel, respecting
// cancellation so an abandoned consumer cannot wedge the job.
func (job *Job) deliver(ctx context.Context, event StreamEvent) error {
	select {
	case job.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
