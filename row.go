package fhirflat

import (
	"sort"
	"strings"
)

// DenseSuffix marks a column holding an opaque list of objects that is
// round-tripped verbatim.
const DenseSuffix = "_dense"

// FlatRow is one record in FHIRflat form: dotted path to value.
// Values are scalars, lists of scalars, or (dense columns) lists of objects.
type FlatRow map[string]any

// Keys returns the paths of the row in lexicographic order.
func (r FlatRow) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of the row.
func (r FlatRow) Clone() FlatRow {
	out := make(FlatRow, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsDense reports whether column is a dense column.
func IsDense(column string) bool {
	return strings.HasSuffix(column, DenseSuffix)
}

// Table accumulates FlatRows whose column sets may differ. Columns are kept in
// first-seen order; a column missing from a row reads as nil.
type Table struct {
	columns []string
	index   map[string]int
	rows    []FlatRow
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Append adds a row, extending the column set with any new paths.
func (t *Table) Append(row FlatRow) {
	for _, k := range row.Keys() {
		if _, ok := t.index[k]; !ok {
			t.index[k] = len(t.columns)
			t.columns = append(t.columns, k)
		}
	}
	t.rows = append(t.rows, row)
}

// Columns returns the union of all column names.
func (t *Table) Columns() []string {
	return t.columns
}

// HasColumn reports whether any row carries column.
func (t *Table) HasColumn(column string) bool {
	_, ok := t.index[column]
	return ok
}

// Rows returns the accumulated rows.
func (t *Table) Rows() []FlatRow {
	return t.rows
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Value returns the value of column in row i, or nil when absent.
func (t *Table) Value(i int, column string) any {
	return t.rows[i][column]
}
