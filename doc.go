// Package fhirflat converts FHIR resources to and from the flat, tabular
// FHIRflat representation.
//
// A FHIRflat row maps dotted paths to scalar or list values. Codings collapse
// to parallel "system|code" and display lists, references collapse to their
// "Type/id" string, and extensions are keyed by their url. Lists of more than
// one structured entry are kept verbatim in "_dense" columns.
//
// # Quick Start
//
//	import (
//	    ff "github.com/globaldothealth/fhirflat"
//	    "github.com/globaldothealth/fhirflat/pkg/resource"
//	    "github.com/globaldothealth/fhirflat/pkg/schema"
//	)
//
//	provider, err := schema.NewDefault()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	enc, err := resource.New("Encounter", provider)
//	row, err := enc.ToFlat(encounterJSON)
//	back, err := enc.FromFlat(row)
//	var verr *ff.ValidationError
//	if errors.As(err, &verr) {
//	    for _, issue := range verr.Issues {
//	        fmt.Println(issue.Diagnostics)
//	    }
//	}
//
// # Ingestion
//
// Row-based clinical exports are mapped onto FHIRflat through a mapping table
// (package ingest) and then validated by building the FHIR resource and
// flattening it again:
//
//	table, err := ingest.LoadMappingTable(mappingCSV)
//	mapper, err := ingest.NewMapper(table,
//	    ff.WithDateFormat("%Y-%m-%d"),
//	    ff.WithTimezone("Brazil/East"),
//	)
//	dict, err := mapper.CreateDictionary(ctx, data, "Encounter", ingest.OneToOne)
//	flat, failures, err := enc.IngestToFlat(ctx, dict)
//
// Package engine runs the whole conversion for a set of mappings and writes a
// FHIRflat folder:
//
//	conv, err := engine.New(ctx, ff.WithTimezone("Brazil/East"))
//	report, err := conv.ConvertDataToFlat(ctx, engine.Request{
//	    DataFile:     "data.csv",
//	    Mappings:     map[string]string{"Encounter": "encounter.csv"},
//	    MappingTypes: map[string]string{"Encounter": "one-to-one"},
//	})
//
// # Functional Options
//
//	opts := []ff.Option{
//	    ff.WithParallel(true),
//	    ff.WithWorkerCount(runtime.NumCPU()),
//	    ff.WithDateParsePolicy(ff.DateParseRaise),
//	}
//
// # Architecture
//
//   - SchemaProvider: StructureDefinition registry acting as the type oracle
//   - Flattener / Unflattener: pure FlatRow transforms, one record at a time
//   - IngestionMapper: mapping-table rules and a small expression language
//   - Worker pool: independent records converted in parallel
package fhirflat
