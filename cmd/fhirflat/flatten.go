package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/sink"
)

func flattenCmd(a *app) *cobra.Command {
	var output, format string
	cmd := &cobra.Command{
		Use:   "flatten <resource-type> <export.ndjson|bundle.json|->",
		Short: "Flatten a FHIR export into a FHIRflat table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType, input := args[0], args[1]
			out := outputPath(output, input, "."+strings.ToLower(resourceType)+".parquet")
			kind := formatFor(format, out)

			in, err := openInput(input)
			if err != nil {
				return err
			}
			defer in.Close()

			ctx := cmd.Context()
			conv, err := a.converter(ctx)
			if err != nil {
				return err
			}

			if kind == "parquet" {
				report, err := conv.FileToFlat(ctx, resourceType, in, out)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Flattened %d %s resources to %s (%d failed)\n", report.Rows, resourceType, out, report.Failed)
				return nil
			}

			r, err := conv.Resource(resourceType)
			if err != nil {
				return err
			}
			table, failures, err := r.FileToFlat(ctx, in)
			if err != nil {
				return err
			}
			if err := writeFile(out, func(f *os.File) error { return sink.WriteTableNDJSON(f, table) }); err != nil {
				return err
			}
			if err := sink.WriteErrorsFile(errorsPath(out), failures); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flattened %d %s resources to %s (%d failed)\n", table.Len(), resourceType, out, len(failures))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: input name with .<type>.parquet)")
	cmd.Flags().StringVar(&format, "format", "", "Output format: parquet or ndjson (default: from the output extension)")
	return cmd
}

func unflattenCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "unflatten <resource-type> <table.parquet|rows.ndjson>",
		Short: "Rebuild FHIR resources from a FHIRflat table",
		Long: `Rebuild and validate one FHIR resource per FHIRflat row. Valid resources
are written as NDJSON; rows that fail are written to an errors CSV next to
the output.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType, input := args[0], args[1]
			out := outputPath(output, input, ".fhir.ndjson")

			rows, err := readRows(input)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conv, err := a.converter(ctx)
			if err != nil {
				return err
			}
			r, err := conv.Resource(resourceType)
			if err != nil {
				return err
			}

			res := r.FromFlatBatch(ctx, rows)
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := writeFile(out, func(f *os.File) error { return sink.WriteNDJSON(f, res.Successes) }); err != nil {
				return err
			}
			if err := sink.WriteErrorsFile(errorsPath(out), res.Errors); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d %s resources to %s (%d failed)\n", len(res.Successes), resourceType, out, len(res.Errors))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output NDJSON file (default: input name with .fhir.ndjson)")
	return cmd
}

func readRows(path string) ([]fhirflat.FlatRow, error) {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		table, err := sink.ReadParquetFile(path)
		if err != nil {
			return nil, err
		}
		return table.Rows(), nil
	}

	in, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return sink.ReadFlatNDJSON(in)
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// errorsPath returns the errors CSV written next to out.
func errorsPath(out string) string {
	return strings.TrimSuffix(out, filepath.Ext(out)) + "_errors.csv"
}

// outputPath returns path, or input with its extension replaced by ext.
func outputPath(path, input, ext string) string {
	if path != "" {
		return path
	}
	if input == "-" {
		input = "stdin"
	}
	return strings.TrimSuffix(input, filepath.Ext(input)) + ext
}

func openInput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

// formatFor picks the output format from an explicit flag or the file
// extension.
func formatFor(format, path string) string {
	if format != "" {
		return format
	}
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return "parquet"
	}
	return "ndjson"
}
