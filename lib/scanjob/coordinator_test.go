// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shelfscan/shelfscan/lib/testutil"
)

// jobServer is a scripted scan service for coordinator tests: it
// accepts one upload, plays a fixed SSE script, and counts the calls
// the coordinator is expected to make (or not make).
type jobServer struct {
	jobID   string
	stream  func(writer http.ResponseWriter, request *http.Request)
	fetches atomic.Int32
	deletes atomic.Int32
	results []BookResult
}

func (server *jobServer) register(t *testing.T, mux *http.ServeMux) {
	mux.HandleFunc("POST /v3/jobs", func(writer http.ResponseWriter, request *http.Request) {
		acceptJob(writer, server.jobID)
	})
	mux.HandleFunc("GET /v3/jobs/"+server.jobID+"/events", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/event-stream")
		server.stream(writer, request)
	})
	mux.HandleFunc("GET /v3/jobs/results/{token}", func(writer http.ResponseWriter, request *http.Request) {
		server.fetches.Add(1)
		if got := request.URL.Query().Get("format"); got != "lite" {
			t.Errorf("results fetch format = %q, want lite", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"jobId":   server.jobID,
				"status":  "completed",
				"results": server.results,
			},
		})
	})
	mux.HandleFunc("DELETE /v3/jobs/"+server.jobID, func(writer http.ResponseWriter, request *http.Request) {
		server.deletes.Add(1)
		writer.WriteHeader(http.StatusNoContent)
	})
}

// drainEvents collects everything the job delivered until the channel
// closed.
func drainEvents(job *Job) []EventKind {
	var kinds []EventKind
	for event := range job.Events() {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func TestJobRunInlineResults(t *testing.T) {
	t.Parallel()

	server := &jobServer{
		jobID: "J1",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "progress", `{"message":"detecting spines"}`)
			writeSSE(writer, "2", "result", `{"title":"Clean Code","author":"Robert C. Martin"}`)
			writeSSE(writer, "3", "completed", `{"books":[{"title":"Clean Code","author":"Robert C. Martin"}]}`)
		},
	}
	mux := http.NewServeMux()
	server.register(t, mux)

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	results, err := job.Run(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(results) != 1 || results[0].Title != "Clean Code" {
		t.Fatalf("results = %+v, want inline Clean Code", results)
	}
	if got := job.State(); got != StateCompleted {
		t.Errorf("State = %q, want completed", got)
	}
	// Inline items win: the results endpoint must not be touched.
	if got := server.fetches.Load(); got != 0 {
		t.Errorf("fetches = %d, want 0", got)
	}
	if got := server.deletes.Load(); got != 1 {
		t.Errorf("deletes = %d, want exactly 1", got)
	}

	kinds := drainEvents(job)
	want := []EventKind{EventProgress, EventResult, EventCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("delivered kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("delivered kinds = %v, want %v", kinds, want)
		}
	}
}

func TestJobRunFetchByReference(t *testing.T) {
	t.Parallel()

	server := &jobServer{
		jobID: "J2",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "completed", `{"resultsUrl":"/v3/jobs/results/abc"}`)
		},
		results: []BookResult{
			{Title: "A", Author: "B"},
			{Title: "C", Author: "D"},
		},
	}
	mux := http.NewServeMux()
	server.register(t, mux)

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	results, err := job.Run(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(results) != 2 || results[0].Title != "A" {
		t.Fatalf("results = %+v, want 2 fetched books", results)
	}
	if got := server.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want exactly 1", got)
	}
	if got := server.deletes.Load(); got != 1 {
		t.Errorf("deletes = %d, want exactly 1", got)
	}
}

func TestJobRunLegacyCompletedUsesStreamedBooks(t *testing.T) {
	t.Parallel()

	server := &jobServer{
		jobID: "J3",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "result", `{"title":"A","author":"B"}`)
			writeSSE(writer, "2", "result", `{"title":"C","author":"D"}`)
			writeSSE(writer, "3", "completed", `{}`)
		},
	}
	mux := http.NewServeMux()
	server.register(t, mux)

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	results, err := job.Run(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(results) != 2 || results[1].Title != "C" {
		t.Fatalf("results = %+v, want the 2 streamed books", results)
	}
	if got := server.fetches.Load(); got != 0 {
		t.Errorf("fetches = %d, want 0", got)
	}
}

func TestJobRunErrorEvent(t *testing.T) {
	t.Parallel()

	server := &jobServer{
		jobID: "J4",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "error", `{"message":"vision model unavailable","code":"VISION_DOWN","retryable":true}`)
		},
	}
	mux := http.NewServeMux()
	server.register(t, mux)

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	_, err := job.Run(context.Background(), []byte("jpeg"))

	var streamErr *StreamError
	if !errors.As(err, &streamErr) || streamErr.Failure.Code != "VISION_DOWN" {
		t.Fatalf("Run error = %v, want VISION_DOWN StreamError", err)
	}
	if !IsRetryable(err) {
		t.Error("retryable stream failure should be retryable")
	}
	if got := job.State(); got != StateFailed {
		t.Errorf("State = %q, want failed", got)
	}
	if got := server.deletes.Load(); got != 1 {
		t.Errorf("deletes = %d, want exactly 1", got)
	}
}

func TestJobRunCanceledEvent(t *testing.T) {
	t.Parallel()

	server := &jobServer{
		jobID: "J5",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "canceled", ``)
		},
	}
	mux := http.NewServeMux()
	server.register(t, mux)

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	_, err := job.Run(context.Background(), []byte("jpeg"))
	if !errors.Is(err, ErrJobCanceled) {
		t.Fatalf("Run error = %v, want ErrJobCanceled", err)
	}
	if got := job.State(); got != StateCanceled {
		t.Errorf("State = %q, want canceled", got)
	}
	if got := server.deletes.Load(); got != 1 {
		t.Errorf("deletes = %d, want exactly 1", got)
	}
}

func TestJobRunCallerCancellationSkipsCleanup(t *testing.T) {
	t.Parallel()

	server := &jobServer{
		jobID: "J6",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "progress", `{"message":"scanning"}`)
			<-request.Context().Done()
		},
	}
	mux := http.NewServeMux()
	server.register(t, mux)

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outcome := make(chan error, 1)
	go func() {
		_, err := job.Run(ctx, []byte("jpeg"))
		outcome <- err
	}()

	// Wait for the job to be live before canceling it.
	event := testutil.RequireReceive(t, job.Events(), 5*time.Second, "first event")
	if event.Kind != EventProgress {
		t.Fatalf("Kind = %q, want progress", event.Kind)
	}
	cancel()

	err := testutil.RequireReceive(t, outcome, 5*time.Second, "Run outcome")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if got := job.State(); got != StateCanceled {
		t.Errorf("State = %q, want canceled", got)
	}
	// Run closes the event channel on its way out even when canceled.
	testutil.RequireClosed(t, job.Events(), 5*time.Second, "events channel close")
	// Caller cancellation leaves the server-side job alone.
	if got := server.deletes.Load(); got != 0 {
		t.Errorf("deletes = %d, want 0", got)
	}
}

func TestJobRunUploadRejected(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/jobs", func(writer http.ResponseWriter, request *http.Request) {
		writeProblem(writer, http.StatusUnprocessableEntity, "IMAGE_TOO_SMALL", false, 0)
	})

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	_, err := job.Run(context.Background(), []byte("tiny"))

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Problem.Code != "IMAGE_TOO_SMALL" {
		t.Fatalf("Run error = %v, want IMAGE_TOO_SMALL APIError", err)
	}
	if got := job.State(); got != StateFailed {
		t.Errorf("State = %q, want failed", got)
	}
	if job.Handle() != nil {
		t.Error("Handle should stay nil when the upload is rejected")
	}
}

func TestJobRunCleanupFailureDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/jobs", func(writer http.ResponseWriter, request *http.Request) {
		acceptJob(writer, "J7")
	})
	mux.HandleFunc("GET /v3/jobs/J7/events", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/event-stream")
		writeSSE(writer, "1", "completed", `{"books":[{"title":"A","author":"B"}]}`)
	})
	mux.HandleFunc("DELETE /v3/jobs/J7", func(writer http.ResponseWriter, request *http.Request) {
		writeProblem(writer, http.StatusInternalServerError, "CLEANUP_BROKEN", true, 0)
	})

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	results, err := job.Run(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("Run: %v (cleanup failures must not surface)", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v, want 1 book", results)
	}
	if got := job.State(); got != StateCompleted {
		t.Errorf("State = %q, want completed", got)
	}
}

func TestJobRunSkipsUndecodableEvent(t *testing.T) {
	t.Parallel()

	server := &jobServer{
		jobID: "J8",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "progress", `{broken`)
			writeSSE(writer, "2", "completed", `{"books":[{"title":"A","author":"B"}]}`)
		},
	}
	mux := http.NewServeMux()
	server.register(t, mux)

	client := newStreamTestClient(t, mux, 0)
	job := client.NewJob()

	results, err := job.Run(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("Run: %v (one bad payload must not abandon the job)", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v, want 1 book", results)
	}
}

func TestJobRunFiveConcurrentJobs(t *testing.T) {
	t.Parallel()

	// Five jobs run at once against one server. Odd-numbered jobs
	// complete, even-numbered jobs fail with a stream error; every job
	// must land in its own terminal state with exactly one cleanup.
	const jobCount = 5
	var uploads atomic.Int32
	var deletes [jobCount + 1]atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/jobs", func(writer http.ResponseWriter, request *http.Request) {
		acceptJob(writer, fmt.Sprintf("J%d", uploads.Add(1)))
	})
	for n := 1; n <= jobCount; n++ {
		jobID := fmt.Sprintf("J%d", n)
		fails := n%2 == 0
		counter := &deletes[n]
		mux.HandleFunc("GET /v3/jobs/"+jobID+"/events", func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "text/event-stream")
			if fails {
				writeSSE(writer, "1", "error", `{"message":"boom","code":"BOOM"}`)
				return
			}
			writeSSE(writer, "1", "completed", `{"books":[{"title":"A","author":"B"}]}`)
		})
		mux.HandleFunc("DELETE /v3/jobs/"+jobID, func(writer http.ResponseWriter, request *http.Request) {
			counter.Add(1)
			writer.WriteHeader(http.StatusNoContent)
		})
	}

	client := newStreamTestClient(t, mux, 0)

	jobs := make([]*Job, jobCount)
	errs := make([]error, jobCount)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = client.NewJob()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = jobs[i].Run(context.Background(), []byte("jpeg"))
		}(i)
	}
	wg.Wait()

	for i, job := range jobs {
		handle := job.Handle()
		if handle == nil {
			t.Fatalf("job %d has no handle", i)
		}
		var n int
		if _, err := fmt.Sscanf(handle.JobID, "J%d", &n); err != nil {
			t.Fatalf("job %d: unexpected id %q", i, handle.JobID)
		}

		if n%2 == 0 {
			var streamErr *StreamError
			if !errors.As(errs[i], &streamErr) {
				t.Errorf("%s: err = %v, want StreamError", handle.JobID, errs[i])
			}
			if job.State() != StateFailed {
				t.Errorf("%s: state = %q, want failed", handle.JobID, job.State())
			}
		} else {
			if errs[i] != nil {
				t.Errorf("%s: err = %v, want success", handle.JobID, errs[i])
			}
			if job.State() != StateCompleted {
				t.Errorf("%s: state = %q, want completed", handle.JobID, job.State())
			}
		}
		if got := deletes[n].Load(); got != 1 {
			t.Errorf("%s: deletes = %d, want 1", handle.JobID, got)
		}
	}
}

func TestJobRunJobsAreIsolated(t *testing.T) {
	t.Parallel()

	good := &jobServer{
		jobID: "GOOD",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "completed", `{"books":[{"title":"A","author":"B"}]}`)
		},
	}
	bad := &jobServer{
		jobID: "BAD",
		stream: func(writer http.ResponseWriter, request *http.Request) {
			writeSSE(writer, "1", "error", `{"message":"boom","code":"BOOM"}`)
		},
	}

	// One mux, one upload route: jobs alternate by upload order.
	var uploads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/jobs", func(writer http.ResponseWriter, request *http.Request) {
		if uploads.Add(1)%2 == 1 {
			acceptJob(writer, "GOOD")
		} else {
			acceptJob(writer, "BAD")
		}
	})
	for _, server := range []*jobServer{good, bad} {
		jobID := server.jobID
		streamHandler := server.stream
		deletes := &server.deletes
		mux.HandleFunc("GET /v3/jobs/"+jobID+"/events", func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "text/event-stream")
			streamHandler(writer, request)
		})
		mux.HandleFunc("DELETE /v3/jobs/"+jobID, func(writer http.ResponseWriter, request *http.Request) {
			deletes.Add(1)
			writer.WriteHeader(http.StatusNoContent)
		})
	}

	client := newStreamTestClient(t, mux, 0)
	first := client.NewJob()
	second := client.NewJob()

	// Jobs run back to back so the upload alternation stays
	// deterministic; isolation is about shared client state, not timing.
	goodResults, goodErr := first.Run(context.Background(), []byte("jpeg-1"))
	_, badErr := second.Run(context.Background(), []byte("jpeg-2"))

	if goodErr != nil {
		t.Fatalf("good job: %v", goodErr)
	}
	if len(goodResults) != 1 {
		t.Fatalf("good job results = %+v", goodResults)
	}

	var streamErr *StreamError
	if !errors.As(badErr, &streamErr) || streamErr.Failure.Code != "BOOM" {
		t.Fatalf("bad job error = %v, want BOOM StreamError", badErr)
	}

	// Each job cleaned up its own handle exactly once.
	if got := good.deletes.Load(); got != 1 {
		t.Errorf("good deletes = %d, want 1", got)
	}
	if got := bad.deletes.Load(); got != 1 {
		t.Errorf("bad deletes = %d, want 1", got)
	}
	if first.State() != StateCompleted || second.State() != StateFailed {
		t.Errorf("states = %q/%q, want completed/failed", first.State(), second.State())
	}
}
