// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

// EnrichmentStatus describes how much metadata enrichment a
// recognized book received before being returned.
type EnrichmentStatus string

const (
	// EnrichmentComplete means the catalog lookup succeeded and all
	// available metadata fields are populated.
	EnrichmentComplete EnrichmentStatus = "complete"

	// EnrichmentDegradedStatus means the primary catalog was
	// unavailable and a fallback source supplied partial metadata.
	EnrichmentDegradedStatus EnrichmentStatus = "degraded"

	// EnrichmentSkipped means the server returned raw recognition
	// output without any catalog lookup.
	EnrichmentSkipped EnrichmentStatus = "skipped"
)

// BookResult is one recognized book. Immutable once decoded from the
// wire; optional fields keep their zero value (or nil for Confidence)
// when the server omits them.
type BookResult struct {
	Title         string           `json:"title"`
	Author        string           `json:"author"`
	ISBN          string           `json:"isbn,omitempty"`
	CoverURL      string           `json:"coverUrl,omitempty"`
	Publisher     string           `json:"publisher,omitempty"`
	PublishedDate string           `json:"publishedDate,omitempty"`
	PageCount     int              `json:"pageCount,omitempty"`
	Format        string           `json:"format,omitempty"`
	Confidence    *float64         `json:"confidence,omitempty"`
	Enrichment    EnrichmentStatus `json:"enrichmentStatus,omitempty"`
}
