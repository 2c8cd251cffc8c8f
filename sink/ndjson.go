package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/globaldothealth/fhirflat"
)

// WriteNDJSON writes one JSON object per line.
func WriteNDJSON[T ~map[string]any](w io.Writer, records []T) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("ndjson: record %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// WriteTableNDJSON writes the rows of t, one per line.
func WriteTableNDJSON(w io.Writer, t *fhirflat.Table) error {
	return WriteNDJSON(w, t.Rows())
}

// ReadFlatNDJSON reads FlatRows written one per line. Blank lines are
// skipped.
func ReadFlatNDJSON(r io.Reader) ([]fhirflat.FlatRow, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)

	var rows []fhirflat.FlatRow
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var row fhirflat.FlatRow
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("ndjson: line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ndjson: %w", err)
	}
	return rows, nil
}
