// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that retry
// backoff and idle-timeout behavior can be tested deterministically.
//
// Production code uses [Real]. Tests use [Fake], which holds time
// still until [FakeClock.Advance] is called and exposes
// [FakeClock.WaitForTimers] to synchronize with goroutines that are
// about to sleep.
package clock
