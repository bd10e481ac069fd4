// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/shelfscan/shelfscan/lib/scanjob"
)

// renderer writes the scan's progress and results. Styled text on a
// terminal, plain text when piped, one JSON object per line in json
// mode.
type renderer struct {
	out  io.Writer
	json bool

	progressStyle lipgloss.Style
	titleStyle    lipgloss.Style
	authorStyle   lipgloss.Style
	warnStyle     lipgloss.Style
}

func newRenderer(out io.Writer, jsonOutput bool) *renderer {
	r := &renderer{out: out, json: jsonOutput}

	styled := false
	if file, ok := out.(*os.File); ok && !jsonOutput {
		styled = term.IsTerminal(int(file.Fd()))
	}
	if styled {
		r.progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
		r.titleStyle = lipgloss.NewStyle().Bold(true)
		r.authorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
		r.warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	} else {
		plain := lipgloss.NewStyle()
		r.progressStyle = plain
		r.titleStyle = plain
		r.authorStyle = plain
		r.warnStyle = plain
	}
	return r
}

// Event renders one stream event as it arrives.
func (r *renderer) Event(event scanjob.StreamEvent) {
	if r.json {
		r.emitJSON(map[string]any{"event": string(event.Kind), "data": event})
		return
	}

	switch event.Kind {
	case scanjob.EventProgress:
		fmt.Fprintln(r.out, r.progressStyle.Render("… "+event.Message))
	case scanjob.EventResult:
		if event.Book != nil {
			r.book(*event.Book)
		}
	case scanjob.EventEnrichmentDegraded:
		reason := "metadata enrichment degraded"
		if event.Degraded != nil && event.Degraded.Reason != "" {
			reason = "metadata enrichment degraded: " + event.Degraded.Reason
		}
		fmt.Fprintln(r.out, r.warnStyle.Render("! "+reason))
	}
}

// Results renders the final resolved book list.
func (r *renderer) Results(results []scanjob.BookResult) {
	if r.json {
		r.emitJSON(map[string]any{"event": "results", "books": results})
		return
	}

	fmt.Fprintf(r.out, "\n%d book(s) recognized:\n", len(results))
	for _, book := range results {
		r.book(book)
	}
}

// Canceled reports a server-side cancellation.
func (r *renderer) Canceled() {
	if r.json {
		r.emitJSON(map[string]any{"event": "canceled"})
		return
	}
	fmt.Fprintln(r.out, r.warnStyle.Render("scan canceled by the server"))
}

func (r *renderer) book(book scanjob.BookResult) {
	line := "  " + r.titleStyle.Render(book.Title)
	if book.Author != "" {
		line += " " + r.authorStyle.Render("by "+book.Author)
	}
	if book.ISBN != "" {
		line += " (" + book.ISBN + ")"
	}
	if book.Enrichment == scanjob.EnrichmentDegradedStatus {
		line += " " + r.warnStyle.Render("[partial metadata]")
	}
	fmt.Fprintln(r.out, line)
}

func (r *renderer) emitJSON(object map[string]any) {
	encoder := json.NewEncoder(r.out)
	encoder.Encode(object)
}
