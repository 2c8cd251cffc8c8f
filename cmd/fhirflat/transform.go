package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/globaldothealth/fhirflat/engine"
	"github.com/globaldothealth/fhirflat/source"
)

type transformFlags struct {
	output     string
	sheetID    string
	dateFormat string
	timezone   string
	subjectID  string
	query      string
	mappings   map[string]string
	types      map[string]string
	zip        bool
	parallel   bool
}

func transformCmd(a *app) *cobra.Command {
	f := &transformFlags{}
	cmd := &cobra.Command{
		Use:   "transform [data.csv] [sheet-id] [date-format] [timezone]",
		Short: "Convert raw clinical data to a FHIRflat folder",
		Long: `Map raw clinical data to FHIR resources and write one parquet file per
resource, an errors CSV for records that fail validation, and the folder
metadata (sha256sums.txt and fhirflat.toml).

Mappings come either from local files (--mapping and --type, one pair per
resource) or from a spreadsheet (--sheet-id or the second argument) whose
Resources tab lists the resources and their mapping types.`,
		Example: `  fhirflat transform data.csv 15nQwXBIKnXF9lRHbVVdfFxOMGfLqhOfxZ7GkjSu_Kcs "%Y-%m-%d" Brazil/East
  fhirflat transform data.csv --mapping Encounter=encounter.csv --type Encounter=one-to-one --zip
  fhirflat transform --query "select * from visits" --sheet-id SHEET`,
		Args: cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransform(cmd, f, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.output, "output", "o", "", "Output folder (default fhirflat_output)")
	flags.StringVar(&f.sheetID, "sheet-id", "", "Spreadsheet holding the mappings")
	flags.StringVar(&f.dateFormat, "date-format", "", "strptime format of raw dates")
	flags.StringVar(&f.timezone, "timezone", "", "IANA timezone of raw date-times")
	flags.StringVar(&f.subjectID, "subject-id", "", "Raw column identifying a subject")
	flags.StringVar(&f.query, "query", "", "Read the raw data with this SQL query against FHIRFLAT_DATABASE_URL")
	flags.StringToStringVar(&f.mappings, "mapping", nil, "Mapping file per resource, e.g. Encounter=encounter.csv")
	flags.StringToStringVar(&f.types, "type", nil, "Mapping type per resource: one-to-one or one-to-many")
	flags.BoolVar(&f.zip, "zip", false, "Zip the output folder")
	flags.BoolVar(&f.parallel, "parallel", false, "Convert records concurrently")
	return cmd
}

func (a *app) runTransform(cmd *cobra.Command, f *transformFlags, args []string) error {
	cfg := a.cfg
	// data, sheet id, date format and timezone may be given positionally
	for i, dst := range []*string{&f.sheetID, &f.dateFormat, &f.timezone} {
		if i+1 < len(args) && *dst == "" {
			*dst = args[i+1]
		}
	}
	if f.dateFormat != "" {
		cfg.DateFormat = f.dateFormat
	}
	if f.timezone != "" {
		cfg.Timezone = f.timezone
	}
	if f.subjectID != "" {
		cfg.SubjectID = f.subjectID
	}
	if f.parallel {
		cfg.Parallel = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	req := engine.Request{
		OutputDir:    cfg.OutputDir,
		Mappings:     f.mappings,
		MappingTypes: f.types,
		SheetID:      f.sheetID,
		Compress:     f.zip,
	}
	if req.SheetID == "" && len(req.Mappings) == 0 {
		req.SheetID = cfg.SheetID
	}
	if f.output != "" {
		req.OutputDir = f.output
	}

	ctx := cmd.Context()
	switch {
	case f.query != "":
		if cfg.DatabaseURL == "" {
			return errors.New("--query needs FHIRFLAT_DATABASE_URL")
		}
		db, err := source.OpenSQL(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if req.Data, err = db.Query(ctx, f.query); err != nil {
			return err
		}
	case len(args) > 0:
		req.DataFile = args[0]
	default:
		return errors.New("no raw data: give a CSV file or --query")
	}

	conv, err := a.converter(ctx)
	if err != nil {
		return err
	}
	report, err := conv.ConvertDataToFlat(ctx, req)
	if err != nil {
		return err
	}

	printReport(cmd, report)
	return nil
}

func printReport(cmd *cobra.Command, report *engine.Report) {
	out := cmd.OutOrStdout()
	for _, r := range report.Resources {
		if r.Skipped {
			fmt.Fprintf(out, "%s skipped: no data found\n", r.Resource)
			continue
		}
		fmt.Fprintf(out, "%s took %.2f seconds to convert %d rows\n", r.Resource, r.Duration.Seconds(), r.Rows)
		if r.Failed > 0 {
			fmt.Fprintf(out, "  %d records failed validation, see %s\n", r.Failed, filepath.Base(r.ErrorsFile))
		}
	}

	target := report.OutputDir
	if report.Archive != "" {
		target = report.Archive
	}
	fmt.Fprintf(out, "Wrote %d subjects to %s (checksum %s)\n", report.Subjects, target, shortSum(report.Metadata.Checksum))
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
