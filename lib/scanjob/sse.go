// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"bufio"
	"io"
	"strings"
)

// sseRecord is a single Server-Sent Events record parsed from the
// job stream.
type sseRecord struct {
	// ID is the event id from the "id:" field. The stream client
	// tracks the most recent id as its replay position and sends it
	// back as Last-Event-ID on reconnect. Empty when the record
	// carried no id.
	ID string

	// Type is the event type from the "event:" field. Empty string
	// if no event type was specified.
	Type string

	// Data is the payload, assembled from one or more "data:" lines.
	// Multiple data lines are joined with newlines per the SSE
	// specification.
	Data string
}

// sseScanner reads Server-Sent Events records from an [io.Reader]
// according to the W3C Server-Sent Events specification.
//
// Records are delimited by blank lines. Within a record, "data:"
// lines carry the payload, "event:" specifies the type, and "id:"
// carries the replay position. Comment lines (starting with ":") and
// unknown fields are ignored.
//
// One deliberate deviation from the W3C dispatch rules: a record with
// an "event:" field but no "data:" line is still emitted (with empty
// Data) rather than discarded. The scan service's ping and canceled
// events carry no payload, and dropping them would stall the idle
// timer and hang a canceled job.
type sseScanner struct {
	reader  *bufio.Reader
	current sseRecord
	err     error
}

func newSSEScanner(reader io.Reader) *sseScanner {
	return &sseScanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
	}
}

// Next advances to the next record. Returns false when the stream
// ends (EOF) or an error occurs. After Next returns false, call
// [sseScanner.Err] to distinguish EOF from errors.
func (scanner *sseScanner) Next() bool {
	scanner.current = sseRecord{}

	var dataLines []string
	var eventType string
	var eventID string
	hasData := false

	for {
		line, err := scanner.reader.ReadString('\n')

		// Handle partial last line (no trailing newline before EOF).
		if err != nil && line == "" {
			if err == io.EOF {
				// If we accumulated a record, emit it.
				if hasData || eventType != "" {
					scanner.current = sseRecord{
						ID:   eventID,
						Type: eventType,
						Data: strings.Join(dataLines, "\n"),
					}
					// Set EOF so the next call to Next returns false.
					scanner.err = io.EOF
					return true
				}
				return false
			}
			scanner.err = err
			return false
		}

		// Strip trailing newline (and optional carriage return).
		line = strings.TrimRight(line, "\r\n")

		// Blank line = record boundary.
		if line == "" {
			if hasData || eventType != "" {
				scanner.current = sseRecord{
					ID:   eventID,
					Type: eventType,
					Data: strings.Join(dataLines, "\n"),
				}
				return true
			}
			// Nothing accumulated: skip this empty block and continue.
			eventType = ""
			eventID = ""
			continue
		}

		// Comment lines start with ":".
		if strings.HasPrefix(line, ":") {
			continue
		}

		// Parse "field: value" or "field:value" (space after colon
		// is optional).
		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			field = line
			value = ""
		} else {
			// Per spec: if value starts with a space, remove exactly
			// one space.
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			eventID = value
		case "retry":
			// The server's suggested reconnect delay. Our backoff
			// policy is configured client-side, so this is ignored.
		default:
			// Unknown fields are ignored per the SSE specification.
		}
	}
}

// Record returns the most recently parsed record. Only valid after
// [sseScanner.Next] returns true.
func (scanner *sseScanner) Record() sseRecord {
	return scanner.current
}

// Err returns the first error encountered during scanning. Returns
// nil if scanning ended due to a clean EOF.
func (scanner *sseScanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}
