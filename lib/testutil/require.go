// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel helpers shared by the scan-job
// client tests. Each helper encapsulates the select-with-timeout
// safety valve so tests cannot hang forever on a channel that never
// delivers.
package testutil

import (
	"testing"
	"time"
)

// RequireReceive reads one value from ch within timeout, or fails the
// test.
//
//	event := testutil.RequireReceive(t, job.Events(), 5*time.Second, "waiting for event")
func RequireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration, message string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", message)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, message)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed (or receive a value) within
// timeout, or fails the test.
func RequireClosed[T any](t *testing.T, ch <-chan T, timeout time.Duration, message string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, message)
	}
}
