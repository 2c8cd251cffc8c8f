package ingest

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mappingRow struct {
	variable string
	response string
	cells    map[string]string
}

// mappingCSV renders rows as a mapping file with the given target columns.
func mappingCSV(t *testing.T, targets []string, rows []mappingRow) *MappingTable {
	t.Helper()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	require.NoError(t, w.Write(append([]string{VariableColumn, ResponseColumn}, targets...)))
	for _, r := range rows {
		rec := []string{r.variable, r.response}
		for _, target := range targets {
			rec = append(rec, r.cells[target])
		}
		require.NoError(t, w.Write(rec))
	}
	w.Flush()
	require.NoError(t, w.Error())

	table, err := LoadMappingTable(&buf)
	require.NoError(t, err)
	return table
}

func TestLoadMappingTable(t *testing.T) {
	src := strings.Join([]string{
		"raw_variable,raw_response,actualPeriod.start,admission.dischargeDisposition.text",
		"dates_enrolment,,<FIELD>,",
		"outco_outcome,\"1, Discharged alive\",,Discharged",
		",2.0,,Dead",
	}, "\n")

	m, err := LoadMappingTable(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, []string{"actualPeriod.start", "admission.dischargeDisposition.text"}, m.Targets())
	assert.Equal(t, []string{"dates_enrolment", "outco_outcome"}, m.Variables())
	assert.True(t, m.HasVariable("outco_outcome"))
	assert.False(t, m.HasVariable("dates_admdate"))

	rule, ok := m.Lookup("outco_outcome", 1.0)
	require.True(t, ok)
	assert.Equal(t, []Target{{Path: "admission.dischargeDisposition.text", Expr: "Discharged"}}, rule.Targets)

	rule, ok = m.Lookup("outco_outcome", "2")
	require.True(t, ok)
	assert.Equal(t, "Dead", rule.Targets[0].Expr)

	_, ok = m.Lookup("outco_outcome", 3.0)
	assert.False(t, ok)

	rule, ok = m.Lookup("dates_enrolment", "2021-04-02")
	require.True(t, ok)
	assert.Equal(t, Wildcard, rule.Response)
	assert.Equal(t, []Target{{Path: "actualPeriod.start", Expr: "<FIELD>"}}, rule.Targets)
}

func TestLoadMappingTable_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"no variable column", "variable,raw_response,id\n"},
		{"no leading variable", "raw_variable,raw_response,id\n,1,<FIELD>\n"},
		{"conflicting rules", "raw_variable,raw_response,id\nvisitid,,<FIELD>\nvisitid,,<subjid>\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMappingTable(strings.NewReader(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestNormalizeResponse(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1, Yes", "1"},
		{" 2 ", "2"},
		{"2.0", "2"},
		{"2.5", "2.5"},
		{"Yes", "Yes"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeResponse(tt.in), tt.in)
	}
	assert.Equal(t, "1", ResponseKey(1.0))
}
