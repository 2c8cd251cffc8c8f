// Package ingest maps raw tabular clinical data to FHIRflat-like
// dictionaries, one per record, driven by a MappingTable.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/spf13/cast"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/logger"
	"github.com/globaldothealth/fhirflat/worker"
)

// Cardinality states how raw rows relate to resources.
type Cardinality int

const (
	// OneToOne maps each subject's row to one resource (wide data).
	OneToOne Cardinality = iota
	// OneToMany maps every populated cell to its own resource (long data).
	OneToMany
)

// String returns the mapping-type name used in configuration.
func (c Cardinality) String() string {
	if c == OneToMany {
		return "one-to-many"
	}
	return "one-to-one"
}

// ParseCardinality parses "one-to-one" or "one-to-many".
func ParseCardinality(s string) (Cardinality, error) {
	switch s {
	case "one-to-one":
		return OneToOne, nil
	case "one-to-many":
		return OneToMany, nil
	}
	return 0, fmt.Errorf("Unknown mapping type %s", s) //nolint:stylecheck // user-facing message
}

// Record is the mapped dictionary of one subject (one-to-one) or one cell
// (one-to-many).
type Record struct {
	// Index is the first raw row the record came from.
	Index int

	// Subject is the subject key, nil when the data has none.
	Subject any

	// Column is the raw column of a one-to-many record.
	Column string

	// Flat maps FHIRflat paths to values. Values of a repeated backbone
	// element are aligned lists.
	Flat map[string]any
}

// Dictionary is the mapped form of a dataset for one resource type.
type Dictionary struct {
	Resource string
	Records  []Record
	Issues   []fhirflat.Issue
}

// Empty reports whether no data was found for the resource.
func (d *Dictionary) Empty() bool {
	return len(d.Records) == 0
}

// Warnings returns the collected warning issues.
func (d *Dictionary) Warnings() []fhirflat.Issue {
	var out []fhirflat.Issue
	for _, is := range d.Issues {
		if is.IsWarning() {
			out = append(out, is)
		}
	}
	return out
}

// Mapper applies a MappingTable to raw data. It is safe for concurrent use.
type Mapper struct {
	table *MappingTable
	opts  *fhirflat.Options
	loc   *time.Location
	log   *logger.Logger
}

// NewMapper creates a Mapper. The configured timezone must be a valid IANA
// name.
func NewMapper(table *MappingTable, opts ...fhirflat.Option) (*Mapper, error) {
	o := fhirflat.Apply(opts...)
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", o.Timezone, err)
	}
	return &Mapper{table: table, opts: o, loc: loc, log: logger.Default().With("component", "ingest")}, nil
}

// CreateDictionary maps data for resource. Columns without rules are
// ignored. When no column of data has a rule the result is empty and
// carries a "No data found" warning.
func (m *Mapper) CreateDictionary(ctx context.Context, data *fhirflat.Table, resource string, card Cardinality) (*Dictionary, error) {
	var columns []string
	for _, c := range data.Columns() {
		if m.table.HasVariable(c) {
			columns = append(columns, c)
		}
	}
	if len(columns) == 0 {
		msg := fmt.Sprintf("No data found for the %s resource", resource)
		m.log.Warn("%s", msg)
		return &Dictionary{
			Resource: resource,
			Issues:   []fhirflat.Issue{fhirflat.Warning(fhirflat.IssueTypeNoData).Diagnostics(msg).Build()},
		}, nil
	}

	dict := &Dictionary{Resource: resource}
	var err error
	switch card {
	case OneToMany:
		dict.Records, dict.Issues, err = m.OneToMany(ctx, data, columns)
	default:
		dict.Records, dict.Issues, err = m.OneToOne(ctx, data, columns)
	}
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", resource, err)
	}
	return dict, nil
}

// subjectRows is the set of raw rows belonging to one subject.
type subjectRows struct {
	subject any
	rows    []int
}

// OneToOne collapses data to one row per subject and maps each one. A
// mapped column holding more than one distinct value for a subject is an
// *fhirflat.AmbiguousMappingError.
func (m *Mapper) OneToOne(ctx context.Context, data *fhirflat.Table, columns []string) ([]Record, []fhirflat.Issue, error) {
	groups := m.subjects(data)

	outcomes := worker.Map(ctx, groups, m.workers(), func(_ context.Context, _ int, g subjectRows) (mapped, error) {
		row, raw, err := collapse(data, g, columns)
		if err != nil {
			return mapped{}, err
		}
		flat, issues, err := m.mapWide(row, raw, g.rows[0])
		return mapped{record: Record{Index: g.rows[0], Subject: g.subject, Flat: flat}, issues: issues}, err
	})
	return gather(outcomes)
}

// OneToMany melts data to one (row, column, value) cell per populated cell
// and maps each cell to its own record. The full raw row is the lookup
// fallback for expressions naming other columns.
func (m *Mapper) OneToMany(ctx context.Context, data *fhirflat.Table, columns []string) ([]Record, []fhirflat.Issue, error) {
	type meltedCell struct {
		row    int
		column string
		value  any
	}
	var cells []meltedCell
	for i := 0; i < data.Len(); i++ {
		for _, c := range columns {
			if v := data.Value(i, c); !Missing(v) {
				cells = append(cells, meltedCell{row: i, column: c, value: v})
			}
		}
	}

	outcomes := worker.Map(ctx, cells, m.workers(), func(_ context.Context, _ int, c meltedCell) (mapped, error) {
		raw := data.Rows()[c.row]
		snippet, issues, err := m.mapCell(c.column, Cell{
			Response: c.value,
			Row:      map[string]any{c.column: c.value},
			Fallback: raw,
		}, c.row)
		if err != nil {
			return mapped{}, err
		}
		return mapped{
			record: Record{Index: c.row, Subject: raw[m.opts.SubjectID], Column: c.column, Flat: snippet},
			issues: issues,
		}, nil
	})

	records, issues, err := gather(outcomes)
	if err != nil {
		return nil, nil, err
	}
	kept := records[:0]
	for _, r := range records {
		if len(r.Flat) > 0 {
			kept = append(kept, r)
		}
	}
	return kept, issues, nil
}

type mapped struct {
	record Record
	issues []fhirflat.Issue
}

func gather(outcomes []worker.Outcome[mapped]) ([]Record, []fhirflat.Issue, error) {
	records := make([]Record, 0, len(outcomes))
	var issues []fhirflat.Issue
	for _, o := range outcomes {
		if o.Err != nil {
			return nil, nil, o.Err
		}
		records = append(records, o.Output.record)
		issues = append(issues, o.Output.issues...)
	}
	return records, issues, nil
}

func (m *Mapper) workers() int {
	if m.opts.Parallel {
		return m.opts.WorkerCount
	}
	return 1
}

// subjects groups row indexes by subject key in order of first appearance.
// Without a subject column every row is its own subject.
func (m *Mapper) subjects(data *fhirflat.Table) []subjectRows {
	var groups []subjectRows
	if !data.HasColumn(m.opts.SubjectID) {
		for i := 0; i < data.Len(); i++ {
			groups = append(groups, subjectRows{rows: []int{i}})
		}
		return groups
	}

	index := make(map[string]int)
	for i := 0; i < data.Len(); i++ {
		subject := data.Value(i, m.opts.SubjectID)
		key := cast.ToString(subject)
		if Missing(subject) {
			key = fmt.Sprintf("\x00row%d", i)
		}
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, subjectRows{subject: subject})
		}
		groups[g].rows = append(groups[g].rows, i)
	}
	return groups
}

// collapse merges a subject's rows. Mapped columns must hold at most one
// distinct value; the unfiltered raw row keeps the first value of every
// column.
func collapse(data *fhirflat.Table, g subjectRows, columns []string) (map[string]any, map[string]any, error) {
	raw := make(map[string]any)
	for _, i := range g.rows {
		for k, v := range data.Rows()[i] {
			if _, seen := raw[k]; !seen || Missing(raw[k]) {
				raw[k] = v
			}
		}
	}

	row := make(map[string]any, len(columns))
	for _, c := range columns {
		var values []any
		for _, i := range g.rows {
			v := data.Value(i, c)
			if Missing(v) || containsValue(values, v) {
				continue
			}
			values = append(values, v)
		}
		switch len(values) {
		case 0:
			row[c] = nil
		case 1:
			row[c] = values[0]
		default:
			return nil, nil, &fhirflat.AmbiguousMappingError{Subject: g.subject, Column: c, Values: values}
		}
	}
	return row, raw, nil
}

func containsValue(values []any, v any) bool {
	for _, x := range values {
		if reflect.DeepEqual(x, v) {
			return true
		}
	}
	return false
}

// mapWide maps every column of a collapsed row and merges the snippets.
// Equal duplicates are ignored. A snippet conflicting with earlier values
// turns the conflicting path family into aligned occurrence lists.
func (m *Mapper) mapWide(row, raw map[string]any, index int) (map[string]any, []fhirflat.Issue, error) {
	var issues []fhirflat.Issue
	merged := newMerger()
	for _, column := range sortedColumns(row, m.table) {
		if !m.table.HasVariable(column) {
			return nil, nil, fmt.Errorf("Column %s not found in mapping file", column) //nolint:stylecheck // user-facing message
		}
		response := row[column]
		if Missing(response) {
			continue
		}
		snippet, cellIssues, err := m.mapCell(column, Cell{Response: response, Row: row, Fallback: raw}, index)
		if err != nil {
			return nil, nil, err
		}
		issues = append(issues, cellIssues...)
		merged.add(snippet)
	}
	return merged.result(), issues, nil
}

// sortedColumns orders row columns the way the mapping file lists them.
func sortedColumns(row map[string]any, table *MappingTable) []string {
	out := make([]string, 0, len(row))
	seen := make(map[string]bool, len(row))
	for _, v := range table.Variables() {
		if _, ok := row[v]; ok {
			out = append(out, v)
			seen[v] = true
		}
	}
	var rest []string
	for k := range row {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// mapCell evaluates the rule of column for one response. A response with no
// rule is a warning and contributes nothing.
func (m *Mapper) mapCell(column string, c Cell, index int) (map[string]any, []fhirflat.Issue, error) {
	rule, ok := m.table.Lookup(column, c.Response)
	if !ok {
		msg := fmt.Sprintf("No mapping for column %s response %v", column, c.Response)
		m.log.Warn("%s", msg)
		return nil, []fhirflat.Issue{
			fhirflat.Warning(fhirflat.IssueTypeMissingMapping).Diagnostics(msg).Cell(index, column).Build(),
		}, nil
	}

	var issues []fhirflat.Issue
	snippet := make(map[string]any, len(rule.Targets))
	for _, t := range rule.Targets {
		v, err := EvaluateExpression(c, t.Expr)
		if err != nil {
			return nil, nil, fmt.Errorf("evaluate %s for %s: %w", t.Expr, t.Path, err)
		}
		if Missing(v) {
			continue
		}
		if IsDateTarget(t.Path) {
			formatted, err := FormatDate(v, m.opts.DateFormat, m.loc)
			if err != nil {
				var dateErr *fhirflat.DateParseError
				if m.opts.DateParsePolicy == fhirflat.DateParseRaise || !errors.As(err, &dateErr) {
					return nil, nil, err
				}
				m.log.Warn("%s", err)
				issues = append(issues, fhirflat.Warning(fhirflat.IssueTypeDateFormat).
					Diagnostics(err.Error()).Cell(index, column).At(t.Path).Build())
			}
			v = formatted
		}
		snippet[t.Path] = v
	}
	return snippet, issues, nil
}

// MapRow maps one wide row without subject collapsing. Every column of row
// must have a rule. raw is the lookup fallback and may be nil.
func (m *Mapper) MapRow(row, raw map[string]any) (map[string]any, []fhirflat.Issue, error) {
	return m.mapWide(row, raw, 0)
}

// MapCell maps one long-data cell of column.
func (m *Mapper) MapCell(column string, c Cell) (map[string]any, []fhirflat.Issue, error) {
	return m.mapCell(column, c, 0)
}
