// Package sink writes FHIRflat tables and conversion failures to files:
// parquet for the flat rows, NDJSON for rebuilt resources, and CSV for
// error reports.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/globaldothealth/fhirflat"
)

// jsonColumnsKey is the file metadata key listing JSON-encoded columns.
const jsonColumnsKey = "fhirflat.json_columns"

type columnKind int

const (
	kindString columnKind = iota
	kindDouble
	kindBoolean
	kindJSON
)

// kindOf picks the narrowest parquet type holding every value of column.
// Columns with lists or objects are stored as JSON text.
func kindOf(t *fhirflat.Table, column string) columnKind {
	var numbers, bools, strs, other int
	for i := 0; i < t.Len(); i++ {
		switch t.Value(i, column).(type) {
		case nil:
		case float64, json.Number:
			numbers++
		case bool:
			bools++
		case string:
			strs++
		default:
			other++
		}
	}
	switch {
	case other > 0 || (strs > 0 && numbers+bools > 0) || (numbers > 0 && bools > 0):
		return kindJSON
	case numbers > 0:
		return kindDouble
	case bools > 0:
		return kindBoolean
	default:
		return kindString
	}
}

func (k columnKind) node() parquet.Node {
	switch k {
	case kindDouble:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case kindBoolean:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	default:
		return parquet.Optional(parquet.String())
	}
}

// WriteParquet writes t as a parquet file with one optional column per
// FHIRflat path.
func WriteParquet(w io.Writer, t *fhirflat.Table) error {
	columns := append([]string(nil), t.Columns()...)
	sort.Strings(columns)
	if len(columns) == 0 {
		return errors.New("parquet: table has no columns")
	}

	kinds := make([]columnKind, len(columns))
	group := make(parquet.Group, len(columns))
	var jsonColumns []string
	for i, c := range columns {
		kinds[i] = kindOf(t, c)
		group[c] = kinds[i].node()
		if kinds[i] == kindJSON {
			jsonColumns = append(jsonColumns, c)
		}
	}

	schema := parquet.NewSchema("fhirflat", group)
	writer := parquet.NewWriter(w, schema,
		parquet.KeyValueMetadata(jsonColumnsKey, strings.Join(jsonColumns, "\n")),
	)

	rows := make([]parquet.Row, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		row := make(parquet.Row, len(columns))
		for c, name := range columns {
			v, err := parquetValue(kinds[c], t.Value(i, name))
			if err != nil {
				return fmt.Errorf("parquet: row %d column %s: %w", i, name, err)
			}
			row[c] = v.Level(0, definitionLevel(v), c)
		}
		rows = append(rows, row)
	}

	if _, err := writer.WriteRows(rows); err != nil {
		return fmt.Errorf("parquet: %w", err)
	}
	return writer.Close()
}

func definitionLevel(v parquet.Value) int {
	if v.IsNull() {
		return 0
	}
	return 1
}

func parquetValue(kind columnKind, v any) (parquet.Value, error) {
	if v == nil {
		return parquet.NullValue(), nil
	}
	switch kind {
	case kindDouble:
		switch n := v.(type) {
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return parquet.Value{}, err
			}
			return parquet.ValueOf(f), nil
		default:
			return parquet.ValueOf(n), nil
		}
	case kindBoolean:
		return parquet.ValueOf(v), nil
	case kindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.ValueOf(string(data)), nil
	default:
		return parquet.ValueOf(v), nil
	}
}

// WriteParquetFile writes t to path.
func WriteParquetFile(path string, t *fhirflat.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteParquet(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadParquet reads a file written by WriteParquet back into a Table.
// Null cells are left out of their row.
func ReadParquet(r io.ReaderAt, size int64) (*fhirflat.Table, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("parquet: %w", err)
	}

	jsonColumns := make(map[string]bool)
	if list, ok := file.Lookup(jsonColumnsKey); ok && list != "" {
		for _, c := range strings.Split(list, "\n") {
			jsonColumns[c] = true
		}
	}

	var names []string
	for _, path := range file.Schema().Columns() {
		names = append(names, strings.Join(path, "."))
	}

	reader := parquet.NewReader(file)
	defer reader.Close()

	table := fhirflat.NewTable()
	buf := make([]parquet.Row, 64)
	for {
		n, err := reader.ReadRows(buf)
		for _, pr := range buf[:n] {
			row := make(fhirflat.FlatRow, len(pr))
			for _, v := range pr {
				if v.IsNull() {
					continue
				}
				name := names[v.Column()]
				val, err := goValue(v, jsonColumns[name])
				if err != nil {
					return nil, fmt.Errorf("parquet: row %d column %s: %w", table.Len(), name, err)
				}
				row[name] = val
			}
			table.Append(row)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parquet: %w", err)
		}
	}
	return table, nil
}

func goValue(v parquet.Value, isJSON bool) (any, error) {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean(), nil
	case parquet.Double:
		return v.Double(), nil
	case parquet.Float:
		return float64(v.Float()), nil
	case parquet.Int32:
		return float64(v.Int32()), nil
	case parquet.Int64:
		return float64(v.Int64()), nil
	}

	s := string(v.ByteArray())
	if !isJSON {
		return s, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadParquetFile reads the parquet file at path.
func ReadParquetFile(path string) (*fhirflat.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return ReadParquet(f, info.Size())
}
