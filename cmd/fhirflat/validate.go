package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/stream"
)

// validationOutput is the JSON form of one validated resource.
type validationOutput struct {
	Index    int              `json:"index"`
	Resource string           `json:"resource"`
	Valid    bool             `json:"valid"`
	Issues   []fhirflat.Issue `json:"issues,omitempty"`
}

func validateCmd(a *app) *cobra.Command {
	var output string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "validate <export.ndjson|bundle.json|->...",
		Short: "Validate FHIR resources against the FHIRflat definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conv, err := a.converter(ctx)
			if err != nil {
				return err
			}

			var outputs []validationOutput
			invalid := 0
			for _, path := range args {
				in, err := openInput(path)
				if err != nil {
					return err
				}
				c := stream.Collect(stream.NewReader().Read(ctx, in))
				in.Close()

				for _, f := range c.Failures {
					invalid++
					outputs = append(outputs, validationOutput{
						Index:    f.Index,
						Resource: path,
						Issues:   []fhirflat.Issue{fhirflat.Error(fhirflat.IssueTypeStructure).Diagnostics(f.Err.Error()).Build()},
					})
				}
				for i, res := range conv.ValidateBatch(ctx, c.Resources) {
					if !res.Valid {
						invalid++
					}
					outputs = append(outputs, validationOutput{
						Index:    c.Indexes[i],
						Resource: describe(path, c.Resources[i]),
						Valid:    res.Valid,
						Issues:   res.Issues,
					})
				}
			}

			if err := printValidation(cmd.OutOrStdout(), outputs, output, quiet); err != nil {
				return err
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d resources are invalid", invalid, len(outputs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "text", "Output format: text, json")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only show invalid resources")
	return cmd
}

func describe(path string, res map[string]any) string {
	name, _ := res["resourceType"].(string)
	if id, ok := res["id"].(string); ok {
		name += "/" + id
	}
	return path + ": " + name
}

func printValidation(w io.Writer, outputs []validationOutput, format string, quiet bool) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outputs)
	case "text", "":
	default:
		return errors.New("unknown output format " + format)
	}

	for _, o := range outputs {
		if o.Valid {
			if !quiet {
				fmt.Fprintf(w, "OK    %s (entry %d)\n", o.Resource, o.Index)
			}
			continue
		}
		fmt.Fprintf(w, "FAIL  %s (entry %d)\n", o.Resource, o.Index)
		for _, is := range o.Issues {
			fmt.Fprintf(w, "      %s\n", is.String())
		}
	}
	return nil
}
