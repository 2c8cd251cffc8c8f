// Package source loads raw clinical data into fhirflat Tables: CSV exports,
// SQL query results, and CSV documents served over HTTP.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cast"

	"github.com/globaldothealth/fhirflat"
)

// ReadCSV reads a CSV export with a header row. Empty cells are missing
// (nil). A column whose populated cells all parse as numbers holds float64
// values; any other column holds strings.
func ReadCSV(r io.Reader) (*fhirflat.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var records [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: line %d: %w", len(records)+2, err)
		}
		records = append(records, rec)
	}

	numeric := make([]bool, len(header))
	for c := range header {
		numeric[c] = numericColumn(records, c)
	}

	table := fhirflat.NewTable()
	for _, rec := range records {
		row := make(fhirflat.FlatRow, len(header))
		for c, name := range header {
			if name == "" {
				continue
			}
			var cell string
			if c < len(rec) {
				cell = strings.TrimSpace(rec[c])
			}
			switch {
			case cell == "":
				row[name] = nil
			case numeric[c]:
				row[name] = cast.ToFloat64(cell)
			default:
				row[name] = cell
			}
		}
		table.Append(row)
	}
	return table, nil
}

// ReadCSVFile reads the CSV export at path.
func ReadCSVFile(path string) (*fhirflat.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

func numericColumn(records [][]string, c int) bool {
	seen := false
	for _, rec := range records {
		if c >= len(rec) {
			continue
		}
		cell := strings.TrimSpace(rec[c])
		if cell == "" {
			continue
		}
		if _, err := cast.ToFloat64E(cell); err != nil {
			return false
		}
		seen = true
	}
	return seen
}
