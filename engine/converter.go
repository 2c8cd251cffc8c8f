// Package engine drives whole conversions: raw clinical data to a folder of
// FHIRflat parquet files, and FHIR exports to FHIRflat tables.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/metadata"
	"github.com/globaldothealth/fhirflat/pkg/ingest"
	"github.com/globaldothealth/fhirflat/pkg/logger"
	"github.com/globaldothealth/fhirflat/pkg/resource"
	"github.com/globaldothealth/fhirflat/pkg/schema"
	"github.com/globaldothealth/fhirflat/sink"
	"github.com/globaldothealth/fhirflat/source"
	"github.com/globaldothealth/fhirflat/worker"
)

// ErrNoMappings is returned when a conversion has neither mapping files nor
// a mapping spreadsheet.
var ErrNoMappings = errors.New("Either mapping_files_types or sheet_id must be provided") //nolint:stylecheck // user-facing message

// DefaultOutputDir is used when a Request names no output folder.
const DefaultOutputDir = "fhirflat_output"

// Names of the spreadsheet tab and columns listing the resources to convert.
const (
	ResourcesTab       = "Resources"
	ResourceColumn     = "Resources"
	ResourceTypeColumn = "Resource Type"
)

// Converter converts between raw data, FHIR and FHIRflat. It is safe for
// concurrent use.
type Converter struct {
	opts    []fhirflat.Option
	options *fhirflat.Options
	schema  *schema.Provider
	metrics *fhirflat.Metrics
	remote  *source.Remote
	log     *logger.Logger

	mu        sync.Mutex
	resources map[string]*resource.Resource
}

// New creates a Converter backed by the embedded FHIR definitions.
func New(ctx context.Context, opts ...fhirflat.Option) (*Converter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metrics := fhirflat.NewMetrics()
	provider, err := schema.NewDefault(opts...)
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}

	return &Converter{
		opts:      opts,
		options:   fhirflat.Apply(opts...),
		schema:    provider.WithMetrics(metrics),
		metrics:   metrics,
		remote:    source.NewRemote(),
		log:       logger.Default().With("component", "engine"),
		resources: make(map[string]*resource.Resource),
	}, nil
}

// SetRemote replaces the client used to fetch mapping spreadsheets.
func (c *Converter) SetRemote(r *source.Remote) {
	c.remote = r
}

// Resource returns the converter for resourceType.
func (c *Converter) Resource(resourceType string) (*resource.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.resources[resourceType]; ok {
		return r, nil
	}
	r, err := resource.New(resourceType, c.schema, c.opts...)
	if err != nil {
		return nil, err
	}
	r.WithMetrics(c.metrics)
	c.resources[resourceType] = r
	return r, nil
}

// Flatten flattens a FHIR resource, dispatching on its resourceType.
func (c *Converter) Flatten(record map[string]any) (fhirflat.FlatRow, error) {
	r, err := c.Resource(resourceTypeOf(record))
	if err != nil {
		return nil, err
	}
	return r.ToFlat(record)
}

// Unflatten rebuilds and validates a resourceType resource from a flat row.
func (c *Converter) Unflatten(resourceType string, row fhirflat.FlatRow) (map[string]any, error) {
	r, err := c.Resource(resourceType)
	if err != nil {
		return nil, err
	}
	return r.FromFlat(row)
}

// Validate checks a FHIR resource against its definition. Schema problems
// are reported as issues; only a missing or unsupported resourceType is an
// error.
func (c *Converter) Validate(record map[string]any) (*fhirflat.Result, error) {
	resourceType := resourceTypeOf(record)
	r, err := c.Resource(resourceType)
	if err != nil {
		return nil, err
	}

	result := fhirflat.NewResult(resourceType)
	err = c.schema.Validate(r.Definition().TypeRef(), record)
	var verr *fhirflat.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		result.AddIssues(verr.Issues)
	default:
		result.AddIssue(fhirflat.Error(fhirflat.IssueTypeProcessing).Diagnostics(err.Error()).Build())
	}
	for _, is := range result.Issues {
		c.metrics.RecordIssue(is.Severity)
	}
	return result, nil
}

// ValidateBatch validates records in parallel, preserving order.
func (c *Converter) ValidateBatch(ctx context.Context, records []map[string]any) []*fhirflat.Result {
	outcomes := worker.Map(ctx, records, c.options.WorkerCount, func(_ context.Context, _ int, rec map[string]any) (*fhirflat.Result, error) {
		return c.Validate(rec)
	})

	results := make([]*fhirflat.Result, len(outcomes))
	for i, o := range outcomes {
		results[i] = o.Output
		if o.Err != nil {
			results[i] = fhirflat.NewResult(resourceTypeOf(records[i]))
			results[i].AddIssue(fhirflat.Error(fhirflat.IssueTypeStructure).Diagnostics(o.Err.Error()).Build())
		}
	}
	return results
}

func resourceTypeOf(record map[string]any) string {
	s, _ := record["resourceType"].(string)
	return s
}

// Metrics returns the converter's metrics.
func (c *Converter) Metrics() *fhirflat.Metrics {
	return c.metrics
}

// Options returns the converter's options.
func (c *Converter) Options() *fhirflat.Options {
	return c.options
}

// Schema returns the schema provider shared by every resource.
func (c *Converter) Schema() *schema.Provider {
	return c.schema
}

// Request describes one raw data conversion.
type Request struct {
	// Data is the raw data. When nil, DataFile is read as CSV.
	Data     *fhirflat.Table
	DataFile string

	// OutputDir receives the parquet files. Defaults to DefaultOutputDir.
	OutputDir string

	// Mappings maps resource types to mapping CSV files, and MappingTypes
	// maps them to "one-to-one" or "one-to-many".
	Mappings     map[string]string
	MappingTypes map[string]string

	// SheetID names a spreadsheet whose Resources tab lists the resources
	// and whose per-resource tabs hold the mappings. Used when Mappings is
	// empty.
	SheetID string

	// Compress zips the output folder into OutputDir + ".zip" and removes
	// the folder.
	Compress bool
}

// ResourceReport summarises the conversion of one resource type.
type ResourceReport struct {
	Resource   string
	Rows       int
	Failed     int
	File       string
	ErrorsFile string
	Skipped    bool
	Duration   time.Duration
}

// Report summarises a conversion.
type Report struct {
	OutputDir string
	Archive   string
	Subjects  int
	Resources []ResourceReport
	Metadata  metadata.Metadata
}

type plan struct {
	resource    string
	mapping     *ingest.MappingTable
	cardinality ingest.Cardinality
}

// ConvertDataToFlat maps raw data to each requested resource and writes a
// FHIRflat folder: one <resource>.parquet per resource with data, a
// <resource>_errors.csv when records fail validation, and the folder
// metadata.
func (c *Converter) ConvertDataToFlat(ctx context.Context, req Request) (*Report, error) {
	if len(req.Mappings) == 0 && req.SheetID == "" {
		return nil, ErrNoMappings
	}

	var plans []plan
	var err error
	if len(req.Mappings) > 0 {
		plans, err = localPlans(req.Mappings, req.MappingTypes)
	} else {
		plans, err = c.sheetPlans(ctx, req.SheetID)
	}
	if err != nil {
		return nil, err
	}

	data := req.Data
	if data == nil {
		if data, err = source.ReadCSVFile(req.DataFile); err != nil {
			return nil, err
		}
	}

	dir := req.OutputDir
	if dir == "" {
		dir = DefaultOutputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}

	report := &Report{OutputDir: dir}
	for _, p := range plans {
		rr, err := c.convertResource(ctx, data, dir, p)
		if err != nil {
			return nil, err
		}
		report.Resources = append(report.Resources, rr)
	}

	report.Subjects = countSubjects(data, c.options.SubjectID)
	if report.Metadata, err = metadata.WriteDir(dir, report.Subjects); err != nil {
		return nil, err
	}

	if req.Compress {
		archive := filepath.Clean(dir) + ".zip"
		if err := zipDir(dir, archive); err != nil {
			return nil, err
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, err
		}
		report.Archive = archive
	}
	return report, nil
}

func (c *Converter) convertResource(ctx context.Context, data *fhirflat.Table, dir string, p plan) (ResourceReport, error) {
	start := time.Now()
	rr := ResourceReport{Resource: p.resource}

	r, err := c.Resource(p.resource)
	if err != nil {
		return rr, err
	}
	mapper, err := ingest.NewMapper(p.mapping, c.opts...)
	if err != nil {
		return rr, err
	}

	dict, err := mapper.CreateDictionary(ctx, data, p.resource, p.cardinality)
	if err != nil {
		return rr, err
	}
	for _, is := range dict.Issues {
		c.metrics.RecordIssue(is.Severity)
	}
	if dict.Empty() {
		rr.Skipped = true
		return rr, nil
	}

	table, failures, err := r.IngestToFlat(ctx, dict)
	if err != nil {
		return rr, err
	}

	name := strings.ToLower(p.resource)
	if table.Len() > 0 {
		rr.File = filepath.Join(dir, name+".parquet")
		if err := sink.WriteParquetFile(rr.File, table); err != nil {
			return rr, fmt.Errorf("write %s: %w", p.resource, err)
		}
	}
	if len(failures) > 0 {
		rr.ErrorsFile = filepath.Join(dir, name+"_errors.csv")
		if err := sink.WriteErrorsFile(rr.ErrorsFile, failures); err != nil {
			return rr, fmt.Errorf("write %s errors: %w", p.resource, err)
		}
	}

	rr.Rows = table.Len()
	rr.Failed = len(failures)
	rr.Duration = time.Since(start)
	c.log.Info("%s took %.2f seconds to convert %d rows", p.resource, rr.Duration.Seconds(), rr.Rows)
	return rr, nil
}

// localPlans checks every mapping type before reading any mapping file.
func localPlans(files, types map[string]string) ([]plan, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	plans := make([]plan, 0, len(names))
	for _, name := range names {
		kind, ok := types[name]
		if !ok {
			return nil, fmt.Errorf("no mapping type given for %s", name)
		}
		card, err := ingest.ParseCardinality(kind)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan{resource: name, cardinality: card})
	}

	for i := range plans {
		table, err := loadMappingFile(files[plans[i].resource])
		if err != nil {
			return nil, err
		}
		plans[i].mapping = table
	}
	return plans, nil
}

func loadMappingFile(path string) (*ingest.MappingTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := ingest.LoadMappingTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

func (c *Converter) sheetPlans(ctx context.Context, sheetID string) ([]plan, error) {
	index, err := c.remote.ReadCSV(ctx, c.remote.SheetURL(sheetID, ResourcesTab))
	if err != nil {
		return nil, fmt.Errorf("read %s tab: %w", ResourcesTab, err)
	}

	var plans []plan
	for i := 0; i < index.Len(); i++ {
		name := cast.ToString(index.Value(i, ResourceColumn))
		if name == "" {
			continue
		}
		card, err := ingest.ParseCardinality(cast.ToString(index.Value(i, ResourceTypeColumn)))
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan{resource: name, cardinality: card})
	}

	for i := range plans {
		body, err := c.remote.FetchSheet(ctx, sheetID, plans[i].resource)
		if err != nil {
			return nil, err
		}
		table, err := ingest.LoadMappingTable(body)
		body.Close()
		if err != nil {
			return nil, fmt.Errorf("%s mapping: %w", plans[i].resource, err)
		}
		plans[i].mapping = table
	}
	return plans, nil
}

// countSubjects counts the distinct populated values of the subject column.
func countSubjects(data *fhirflat.Table, column string) int {
	seen := make(map[string]struct{})
	for i := 0; i < data.Len(); i++ {
		v := data.Value(i, column)
		if ingest.Missing(v) {
			continue
		}
		seen[cast.ToString(v)] = struct{}{}
	}
	return len(seen)
}

// FileToFlat flattens a FHIR export of resourceType (NDJSON or a Bundle)
// into a parquet file at outPath. Failures are written next to it as
// <name>_errors.csv.
func (c *Converter) FileToFlat(ctx context.Context, resourceType string, in io.Reader, outPath string) (*ResourceReport, error) {
	start := time.Now()
	r, err := c.Resource(resourceType)
	if err != nil {
		return nil, err
	}

	table, failures, err := r.FileToFlat(ctx, in)
	if err != nil {
		return nil, err
	}

	rr := &ResourceReport{Resource: resourceType, Rows: table.Len(), Failed: len(failures)}
	if table.Len() > 0 {
		rr.File = outPath
		if err := sink.WriteParquetFile(outPath, table); err != nil {
			return nil, err
		}
	}
	if len(failures) > 0 {
		rr.ErrorsFile = strings.TrimSuffix(outPath, filepath.Ext(outPath)) + "_errors.csv"
		if err := sink.WriteErrorsFile(rr.ErrorsFile, failures); err != nil {
			return nil, err
		}
		c.log.Warn("%d %s resources could not be flattened, see %s", len(failures), resourceType, rr.ErrorsFile)
	}
	rr.Duration = time.Since(start)
	return rr, nil
}
