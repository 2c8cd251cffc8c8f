package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cast"

	"github.com/globaldothealth/fhirflat"
)

// ErrorColumn holds the error message in an error report.
const ErrorColumn = "validation_error"

// WriteErrors writes failed records as CSV: a "row" column with the record
// index, the union of the record input columns, and the error message.
func WriteErrors(w io.Writer, failures []fhirflat.RecordError) error {
	seen := make(map[string]bool)
	var columns []string
	for _, f := range failures {
		for k := range f.Input {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	cw := csv.NewWriter(w)
	header := append(append([]string{"row"}, columns...), ErrorColumn)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, f := range failures {
		rec := make([]string, 0, len(header))
		rec = append(rec, cast.ToString(f.Index))
		for _, c := range columns {
			cell, err := csvCell(f.Input[c])
			if err != nil {
				return fmt.Errorf("errors: record %d column %s: %w", f.Index, c, err)
			}
			rec = append(rec, cell)
		}
		rec = append(rec, f.Err.Error())
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func csvCell(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case float64, bool, json.Number:
		return cast.ToStringE(val)
	default:
		data, err := json.Marshal(val)
		return string(data), err
	}
}

// WriteErrorsFile writes an error report to path. Nothing is written when
// there are no failures.
func WriteErrorsFile(path string, failures []fhirflat.RecordError) error {
	if len(failures) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteErrors(f, failures); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
