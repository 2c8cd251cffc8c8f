package sink

import (
	"bytes"
	"encoding/csv"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/globaldothealth/fhirflat"
)

func encounterTable() *fhirflat.Table {
	t := fhirflat.NewTable()
	t.Append(fhirflat.FlatRow{
		"resourceType":               "Encounter",
		"id":                         "f203",
		"subject":                    "Patient/2",
		"class.code":                 []any{"IMP"},
		"length.value":               140.0,
		"extension.timingPhase.code": []any{"http://snomed.info/sct|278307001"},
		"actualPeriod.start":         "2021-04-01",
		"hospitalized":               true,
	})
	t.Append(fhirflat.FlatRow{
		"resourceType": "Encounter",
		"id":           "f204",
		"subject":      "Patient/3",
		"hospitalized": false,
	})
	return t
}

func TestParquetRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, encounterTable()))

	data := buf.Bytes()
	table, err := ReadParquet(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())

	first := table.Rows()[0]
	assert.Equal(t, "f203", first["id"])
	assert.Equal(t, 140.0, first["length.value"])
	assert.Equal(t, true, first["hospitalized"])
	assert.Equal(t, []any{"IMP"}, first["class.code"])
	assert.Equal(t, []any{"http://snomed.info/sct|278307001"}, first["extension.timingPhase.code"])

	second := table.Rows()[1]
	assert.Equal(t, false, second["hospitalized"])
	assert.NotContains(t, second, "length.value")
	assert.NotContains(t, second, "class.code")
}

func TestParquetFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encounter.parquet")
	require.NoError(t, WriteParquetFile(path, encounterTable()))

	table, err := ReadParquetFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.True(t, table.HasColumn("actualPeriod.start"))
}

func TestParquet_MixedColumnIsJSON(t *testing.T) {
	tbl := fhirflat.NewTable()
	tbl.Append(fhirflat.FlatRow{"value": "positive"})
	tbl.Append(fhirflat.FlatRow{"value": 2.5})

	assert.Equal(t, kindJSON, kindOf(tbl, "value"))

	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, tbl))
	data := buf.Bytes()
	out, err := ReadParquet(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, "positive", out.Value(0, "value"))
	assert.Equal(t, 2.5, out.Value(1, "value"))
}

func TestParquet_EmptyTable(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteParquet(&buf, fhirflat.NewTable()))
}

func TestNDJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTableNDJSON(&buf, encounterTable()))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	rows, err := ReadFlatNDJSON(strings.NewReader(buf.String() + "\n\n"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "f204", rows[1]["id"])
	assert.Equal(t, []any{"IMP"}, rows[0]["class.code"])
}

func TestNDJSON_BadLine(t *testing.T) {
	_, err := ReadFlatNDJSON(strings.NewReader("{\"id\":\"1\"}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestWriteErrors(t *testing.T) {
	failures := []fhirflat.RecordError{
		{
			Index: 3,
			Input: map[string]any{"subject": "Patient/4", "class.code": []any{"IMP"}},
			Err:   &fhirflat.SchemaMismatchError{Type: "Encounter", Path: "class", Reason: "bad coding"},
		},
		{
			Index: 4,
			Input: map[string]any{"subject": "Patient/5", "length.value": 2.0, "status": nil},
			Err:   errors.New("invalid status"),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteErrors(&buf, failures))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []string{"row", "class.code", "length.value", "status", "subject", ErrorColumn}, records[0])
	assert.Equal(t, "3", records[1][0])
	assert.Equal(t, `["IMP"]`, records[1][1])
	assert.Equal(t, "", records[1][2])
	assert.Contains(t, records[1][5], "bad coding")
	assert.Equal(t, "2", records[2][2])
	assert.Equal(t, "", records[2][3])
	assert.Equal(t, "invalid status", records[2][5])
}

func TestWriteErrorsFile_NoFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encounter_errors.csv")
	require.NoError(t, WriteErrorsFile(path, nil))
	assert.NoFileExists(t, path)
}
