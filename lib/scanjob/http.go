// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"io"
	"strings"
)

// maxResponseSize bounds JSON API response body reads: 8 MB. A result
// list for even an absurdly full shelf is orders of magnitude
// smaller; the bound only protects against a misbehaving server. The
// SSE stream is not read through this; it is consumed incrementally.
const maxResponseSize int64 = 8 << 20

// readBody reads a JSON API response body up to maxResponseSize
// bytes. Use instead of io.ReadAll on HTTP response bodies.
func readBody(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, maxResponseSize))
}

// joinEndpoint resolves an endpoint from a server envelope against
// the configured base URL. Servers return either absolute URLs or
// paths relative to the API host; both forms must work.
func joinEndpoint(baseURL, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// withLiteFormat appends the format=lite query parameter, which asks
// the results endpoint for the compact representation the mobile
// client renders.
func withLiteFormat(endpoint string) string {
	if strings.Contains(endpoint, "?") {
		return endpoint + "&format=lite"
	}
	return endpoint + "?format=lite"
}
