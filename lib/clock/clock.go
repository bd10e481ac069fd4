// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations the scan-job client performs:
// reading the current time, waiting out a retry backoff, and arming
// the stream idle watchdog. Production code injects Real(); tests
// inject Fake() and advance time deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine. The returned Timer cancels the pending call with
	// Stop and re-arms it with Reset.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled callback created by [Clock.AfterFunc].
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns true if the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after duration d. Returns true if
// the timer was active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
