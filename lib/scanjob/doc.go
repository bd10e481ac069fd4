// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

// Package scanjob is the network client for the Shelfscan book
// recognition service. A job is one photographed shelf: the client
// uploads the image, follows the job's Server-Sent Events stream
// while the server processes it, and delivers a typed event sequence
// to the caller.
//
// The primary entry points are [Client.Submit], which uploads an
// image and returns a [JobHandle], and [Client.Stream], which yields
// [StreamEvent] values until a terminal event arrives. [Client.NewJob]
// wraps both in a [Job] that drives the full lifecycle (upload,
// stream, result resolution, cleanup) for one job.
//
// Resilience is handled inside the package: uploads retry bounded on
// 5xx and once on 429 (honoring the server's resolved retry delay),
// and streams reconnect with a Last-Event-ID header after transport
// drops or idle timeouts so no buffered events are lost. Server
// errors arrive as RFC 9457-style [ProblemDetails] envelopes and are
// surfaced as typed errors carrying a machine-readable code and a
// retryable flag.
//
// All HTTP requests go through a caller-supplied [net/http.Client];
// all timing goes through an injected clock so backoff and idle
// behavior are testable.
package scanjob
