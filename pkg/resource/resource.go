package resource

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/flatten"
	"github.com/globaldothealth/fhirflat/pkg/ingest"
	"github.com/globaldothealth/fhirflat/pkg/logger"
	"github.com/globaldothealth/fhirflat/pkg/paths"
	"github.com/globaldothealth/fhirflat/pkg/unflatten"
	"github.com/globaldothealth/fhirflat/stream"
	"github.com/globaldothealth/fhirflat/worker"
)

// Resource converts records of one type between FHIR and FHIRflat.
// It is safe for concurrent use.
type Resource struct {
	def     *Definition
	schema  fhirflat.SchemaProvider
	builder *unflatten.Unflattener
	opts    *fhirflat.Options
	metrics *fhirflat.Metrics
	log     *logger.Logger

	listFields []string
}

// New creates the facade for resourceType.
func New(resourceType string, schema fhirflat.SchemaProvider, opts ...fhirflat.Option) (*Resource, error) {
	def, err := Lookup(resourceType)
	if err != nil {
		return nil, err
	}

	r := &Resource{
		def:     def,
		schema:  schema,
		builder: unflatten.New(schema),
		opts:    fhirflat.Apply(opts...),
		log:     logger.Default().With("resource", resourceType),
	}
	for _, f := range schema.DeclaredFields(def.TypeRef()) {
		if !def.Excluded(f) && schema.IsListField(def.TypeRef(), f) {
			r.listFields = append(r.listFields, f)
		}
	}
	return r, nil
}

// WithMetrics records every conversion in m.
func (r *Resource) WithMetrics(m *fhirflat.Metrics) *Resource {
	r.metrics = m
	return r
}

// Definition returns the resource definition.
func (r *Resource) Definition() *Definition {
	return r.def
}

// ListFields returns the top-level list fields kept in the flat form.
func (r *Resource) ListFields() []string {
	return r.listFields
}

func (r *Resource) record(op string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.RecordConversion(op, time.Since(start), err == nil)
	}
}

// ToFlat flattens a validated record. Excluded fields are dropped before
// flattening and the columns of default fields after it.
func (r *Resource) ToFlat(record map[string]any) (row fhirflat.FlatRow, err error) {
	defer func(start time.Time) { r.record(fhirflat.OpFlatten, start, err) }(time.Now())
	return r.toFlat(record)
}

func (r *Resource) toFlat(record map[string]any) (fhirflat.FlatRow, error) {
	if rt, ok := record["resourceType"]; ok && rt != r.def.Type {
		return nil, &fhirflat.SchemaMismatchError{
			Type: r.def.Type, Path: "resourceType", Reason: fmt.Sprintf("got %v", rt),
		}
	}

	in := make(map[string]any, len(record))
	for k, v := range record {
		if !r.def.Excluded(k) {
			in[k] = v
		}
	}
	in["resourceType"] = r.def.Type

	row, err := flatten.Flatten(in, r.listFields)
	if err != nil {
		return nil, err
	}
	for field := range r.def.Defaults {
		for col := range row {
			if paths.Under(field, col) {
				delete(row, col)
			}
		}
	}
	return row, nil
}

// FromFlat rebuilds a record from row, restores default fields, and
// validates it. A record that was rebuilt but is invalid is returned with a
// *fhirflat.ValidationError.
func (r *Resource) FromFlat(row fhirflat.FlatRow) (record map[string]any, err error) {
	defer func(start time.Time) { r.record(fhirflat.OpUnflatten, start, err) }(time.Now())
	return r.fromData(unflatten.Undense(row))
}

func (r *Resource) fromData(data map[string]any) (map[string]any, error) {
	if r.def.Cleanup != nil {
		r.def.Cleanup(data)
	}
	delete(data, "resourceType")

	record, err := r.builder.Build(data, r.def.TypeRef())
	if err != nil {
		return nil, err
	}
	record["resourceType"] = r.def.Type
	for field, v := range r.def.Defaults {
		if _, ok := record[field]; !ok {
			record[field] = v
		}
	}

	if err := r.schema.Validate(r.def.TypeRef(), record); err != nil {
		return record, err
	}
	return record, nil
}

// FromFlatBatch rebuilds every row. A failing row is reported in the
// result and never stops the rest of the batch.
func (r *Resource) FromFlatBatch(ctx context.Context, rows []fhirflat.FlatRow) *fhirflat.BatchResult[map[string]any] {
	outcomes := worker.Map(ctx, rows, r.workers(), func(_ context.Context, _ int, row fhirflat.FlatRow) (map[string]any, error) {
		return r.FromFlat(row)
	})

	res := &fhirflat.BatchResult[map[string]any]{}
	for _, o := range outcomes {
		res.Add(o.Index, o.Output, rows[o.Index], o.Err)
	}
	return res
}

func (r *Resource) workers() int {
	if r.opts.Parallel {
		return r.opts.WorkerCount
	}
	return 1
}

// IngestToFlat turns mapped records into FHIRflat rows. Each record is
// rebuilt, validated and flattened again; records that fail are returned
// as RecordErrors carrying their mapped input. Aligned lists under a
// backbone element become one object per index.
func (r *Resource) IngestToFlat(ctx context.Context, dict *ingest.Dictionary) (*fhirflat.Table, []fhirflat.RecordError, error) {
	if dict.Resource != "" && dict.Resource != r.def.Type {
		return nil, nil, fmt.Errorf("dictionary for %s passed to %s", dict.Resource, r.def.Type)
	}

	outcomes := worker.Map(ctx, dict.Records, r.workers(), func(_ context.Context, _ int, rec ingest.Record) (fhirflat.FlatRow, error) {
		start := time.Now()
		row, err := r.ingestRecord(rec.Flat)
		r.record(fhirflat.OpIngest, start, err)
		return row, err
	})

	table := fhirflat.NewTable()
	var failures []fhirflat.RecordError
	for _, o := range outcomes {
		rec := dict.Records[o.Index]
		if o.Err != nil {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			failures = append(failures, fhirflat.RecordError{Index: rec.Index, Input: rec.Flat, Err: o.Err})
			continue
		}
		table.Append(o.Output)
	}
	if len(failures) > 0 {
		r.log.Warn("%d of %d records failed validation", len(failures), len(dict.Records))
	}
	return table, failures, nil
}

func (r *Resource) ingestRecord(flat map[string]any) (fhirflat.FlatRow, error) {
	data, err := r.expandBackbones(flat)
	if err != nil {
		return nil, err
	}
	record, err := r.fromData(data)
	if err != nil {
		return nil, err
	}
	row, err := r.toFlat(record)
	if err != nil {
		return nil, err
	}
	r.wrapCodings(row)
	return row, nil
}

// expandBackbones rebuilds each backbone element whose members carry
// occurrence lists as a list of objects, one per index. Scalar members
// apply to every occurrence. Lists of different lengths cannot be aligned.
func (r *Resource) expandBackbones(flat map[string]any) (map[string]any, error) {
	data := make(map[string]any, len(flat))
	for k, v := range flat {
		data[k] = v
	}

	root := r.def.TypeRef()
	for _, b := range r.def.Backbone {
		members := make(map[string]any)
		n := 0
		repeated := false
		for k, v := range data {
			if k == b || !paths.Under(b, k) {
				continue
			}
			members[paths.Strip(b, k)] = v
			if list, ok := v.([]any); ok {
				if n != 0 && len(list) != n {
					return nil, &fhirflat.SchemaMismatchError{
						Type: r.def.Type, Path: b, Reason: "backbone element lists have different lengths",
					}
				}
				n = len(list)
				repeated = repeated || n != 1
			}
		}
		if !repeated {
			continue
		}

		if !r.schema.IsListField(root, b) {
			return nil, &fhirflat.SchemaMismatchError{
				Type: r.def.Type, Path: b, Reason: "repeated values for a single backbone element",
			}
		}
		ref, err := r.schema.Resolve(root, b)
		if err != nil {
			return nil, err
		}

		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item := make(map[string]any, len(members))
			for k, v := range members {
				if list, ok := v.([]any); ok {
					v = list[i]
				}
				if v != nil {
					item[k] = v
				}
			}
			if len(item) == 0 {
				continue
			}
			built, err := r.builder.Build(item, ref)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", b, i, err)
			}
			items = append(items, built)
		}

		for k := range members {
			delete(data, paths.Prefix(b, k))
		}
		data[b] = items
	}
	return data, nil
}

// wrapCodings puts scalar ".code" and ".text" values of coded elements into
// one-element lists so every row of a column has the same shape.
func (r *Resource) wrapCodings(row fhirflat.FlatRow) {
	for col, v := range row {
		s, ok := v.(string)
		if !ok || !(paths.HasSuffix(col, "code") || paths.HasSuffix(col, "text")) {
			continue
		}
		if r.isQuantity(paths.Parent(col)) {
			continue
		}
		row[col] = []any{s}
	}
}

func (r *Resource) isQuantity(path string) bool {
	t := r.def.TypeRef()
	for _, seg := range strings.Split(path, paths.Sep) {
		next, err := r.schema.Resolve(t, seg)
		if err != nil {
			return false
		}
		t = next
	}
	return t.Identity == fhirflat.Quantity
}

// FileToFlat flattens a bulk export (NDJSON or Bundle) of this resource
// type. Resources that fail to decode or validate are returned as
// RecordErrors.
func (r *Resource) FileToFlat(ctx context.Context, in io.Reader) (*fhirflat.Table, []fhirflat.RecordError, error) {
	c := stream.Collect(stream.NewReader().Read(ctx, in))
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	outcomes := worker.Map(ctx, c.Resources, r.workers(), func(_ context.Context, _ int, res map[string]any) (fhirflat.FlatRow, error) {
		if err := r.schema.Validate(r.def.TypeRef(), res); err != nil {
			return nil, err
		}
		return r.ToFlat(res)
	})

	table := fhirflat.NewTable()
	failures := append([]fhirflat.RecordError(nil), c.Failures...)
	for _, o := range outcomes {
		if o.Err != nil {
			failures = append(failures, fhirflat.RecordError{Index: c.Indexes[o.Index], Input: c.Resources[o.Index], Err: o.Err})
			continue
		}
		table.Append(o.Output)
	}
	return table, failures, nil
}
