// Package stream reads FHIR resources from bulk exports: NDJSON files with
// one resource per line, or Bundles whose entries are decoded one at a time.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/globaldothealth/fhirflat"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 16 << 20

// Entry is one resource read from an export.
type Entry struct {
	// Index is the position of the resource in the export
	Index int

	// FullURL is the fullUrl of the Bundle entry (if present)
	FullURL string

	// ResourceType is the type of the resource
	ResourceType string

	// ResourceID is the id of the resource (if present)
	ResourceID string

	// Resource is the decoded resource, nil for entries without one
	Resource map[string]any

	// Error is set if the entry could not be decoded
	Error error
}

// Reader decodes exports in a streaming fashion.
type Reader struct {
	// bufferSize is the channel buffer size
	bufferSize int
}

// NewReader creates a streaming reader.
func NewReader() *Reader {
	return &Reader{bufferSize: 100}
}

// WithBufferSize sets the channel buffer size.
func (r *Reader) WithBufferSize(size int) *Reader {
	if size > 0 {
		r.bufferSize = size
	}
	return r
}

// Read detects the export format and emits its resources in order. The
// input is NDJSON when its first line is a complete non-Bundle resource;
// anything else is read as a Bundle.
func (r *Reader) Read(ctx context.Context, in io.Reader) <-chan *Entry {
	br := bufio.NewReaderSize(in, 64<<10)
	if isNDJSON(br) {
		return r.NDJSON(ctx, br)
	}
	return r.Bundle(ctx, br)
}

func isNDJSON(br *bufio.Reader) bool {
	var line []byte
	for n := 1; n <= br.Size(); n *= 2 {
		peek, err := br.Peek(n)
		if i := bytes.IndexByte(peek, '\n'); i >= 0 {
			line = peek[:i]
			break
		}
		if err != nil {
			line = peek
			break
		}
	}

	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(line), &head); err != nil {
		return false
	}
	return head.ResourceType != "Bundle"
}

// NDJSON emits one entry per non-blank line. A line that fails to decode
// yields an entry with Error set and reading continues.
func (r *Reader) NDJSON(ctx context.Context, in io.Reader) <-chan *Entry {
	entries := make(chan *Entry, r.bufferSize)

	go func() {
		defer close(entries)

		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

		index := 0
		for scanner.Scan() {
			if ctx.Err() != nil {
				entries <- &Entry{Index: index, Error: ctx.Err()}
				return
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var resource map[string]any
			if err := json.Unmarshal(line, &resource); err != nil {
				entries <- &Entry{Index: index, Error: fmt.Errorf("failed to decode line %d: %w", index+1, err)}
				index++
				continue
			}
			entries <- newEntry(index, "", resource)
			index++
		}
		if err := scanner.Err(); err != nil {
			entries <- &Entry{Index: -1, Error: fmt.Errorf("failed to read ndjson: %w", err)}
		}
	}()

	return entries
}

// Bundle emits the resources of a Bundle from an io.Reader as entries are
// decoded. Entries are emitted in the order they appear in the bundle.
func (r *Reader) Bundle(ctx context.Context, in io.Reader) <-chan *Entry {
	entries := make(chan *Entry, r.bufferSize)

	go func() {
		defer close(entries)

		decoder := json.NewDecoder(in)

		token, err := decoder.Token()
		if err != nil {
			entries <- &Entry{Index: -1, Error: fmt.Errorf("failed to read bundle: %w", err)}
			return
		}
		if delim, ok := token.(json.Delim); !ok || delim != '{' {
			entries <- &Entry{Index: -1, Error: fmt.Errorf("expected object start, got %v", token)}
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				entries <- &Entry{Index: -1, Error: ctx.Err()}
				return
			}

			token, err := decoder.Token()
			if err != nil {
				entries <- &Entry{Index: -1, Error: fmt.Errorf("failed to read field: %w", err)}
				return
			}

			fieldName, ok := token.(string)
			if !ok {
				continue
			}

			if fieldName == "entry" {
				decodeEntries(ctx, decoder, entries)
				return
			}

			var skip any
			if err := decoder.Decode(&skip); err != nil {
				entries <- &Entry{Index: -1, Error: fmt.Errorf("failed to skip field %s: %w", fieldName, err)}
				return
			}
		}

		// no entry field: empty bundle
	}()

	return entries
}

func decodeEntries(ctx context.Context, decoder *json.Decoder, entries chan<- *Entry) {
	token, err := decoder.Token()
	if err != nil {
		entries <- &Entry{Index: -1, Error: fmt.Errorf("failed to read entry array: %w", err)}
		return
	}
	if delim, ok := token.(json.Delim); !ok || delim != '[' {
		entries <- &Entry{Index: -1, Error: fmt.Errorf("expected array start, got %v", token)}
		return
	}

	index := 0
	for decoder.More() {
		if ctx.Err() != nil {
			entries <- &Entry{Index: index, Error: ctx.Err()}
			return
		}

		var entry map[string]any
		if err := decoder.Decode(&entry); err != nil {
			// the decoder cannot resync after a syntax error
			entries <- &Entry{Index: index, Error: fmt.Errorf("failed to decode entry %d: %w", index, err)}
			return
		}

		fullURL, _ := entry["fullUrl"].(string)
		resource, _ := entry["resource"].(map[string]any)
		entries <- newEntry(index, fullURL, resource)
		index++
	}
}

func newEntry(index int, fullURL string, resource map[string]any) *Entry {
	e := &Entry{Index: index, FullURL: fullURL, Resource: resource}
	if rt, ok := resource["resourceType"].(string); ok {
		e.ResourceType = rt
	}
	if id, ok := resource["id"].(string); ok {
		e.ResourceID = id
	}
	return e
}

// Collection aggregates the entries of one export.
type Collection struct {
	// Resources are the decoded resources, in export order
	Resources []map[string]any

	// Indexes are the export positions of Resources
	Indexes []int

	// Failures are entries that could not be decoded
	Failures []fhirflat.RecordError

	// Skipped counts entries without a resource
	Skipped int
}

// Collect drains entries into a Collection.
func Collect(entries <-chan *Entry) *Collection {
	c := &Collection{}
	for e := range entries {
		switch {
		case e.Error != nil:
			c.Failures = append(c.Failures, fhirflat.RecordError{Index: e.Index, Err: e.Error})
		case e.Resource == nil:
			c.Skipped++
		default:
			c.Resources = append(c.Resources, e.Resource)
			c.Indexes = append(c.Indexes, e.Index)
		}
	}
	return c
}

// HasErrors returns true if any entry failed to decode.
func (c *Collection) HasErrors() bool {
	return len(c.Failures) > 0
}

// Summary returns a human-readable summary of the export.
func (c *Collection) Summary() string {
	return fmt.Sprintf(
		"Read %d resources: %d failed, %d entries without a resource",
		len(c.Resources),
		len(c.Failures),
		c.Skipped,
	)
}
