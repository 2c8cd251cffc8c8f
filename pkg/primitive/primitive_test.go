package primitive

import (
	"encoding/json"
	"testing"

	"github.com/globaldothealth/fhirflat/pkg/registry"
)

func newChecker(t *testing.T) *Checker {
	t.Helper()
	reg, err := registry.NewEmbedded("R5")
	if err != nil {
		t.Fatalf("Failed to load registry: %v", err)
	}
	return New(reg)
}

func TestConforms(t *testing.T) {
	c := newChecker(t)

	tests := []struct {
		name     string
		typeCode string
		value    any
		want     bool
	}{
		{"date", "date", "2021-04-01", true},
		{"partial date", "date", "2021-04", true},
		{"date with time", "date", "2021-04-01T18:00:00", false},
		{"free text as date", "date", "3 months", false},
		{"dateTime with offset", "dateTime", "2021-04-01T18:00:00+01:00", true},
		{"dateTime without offset", "dateTime", "2021-04-01T18:00:00", false},
		{"dateTime date only", "dateTime", "2021-04-01", true},
		{"string", "string", "3 months", true},
		{"empty string", "string", "", false},
		{"number as string", "string", 12345.0, false},
		{"integer", "integer", 2.0, true},
		{"integer json.Number", "integer", json.Number("-3"), true},
		{"fractional integer", "integer", 2.5, false},
		{"integer as string", "integer", "2", false},
		{"decimal", "decimal", 36.6, true},
		{"decimal json.Number", "decimal", json.Number("0.5"), true},
		{"boolean", "boolean", true, true},
		{"boolean as string", "boolean", "true", false},
		{"code", "code", "finished", true},
		{"code with double space", "code", "a  b", false},
		{"positiveInt zero", "positiveInt", 0.0, false},
		{"uri", "uri", "http://snomed.info/sct", true},
		{"null", "string", nil, false},
		{"complex type", "Quantity", map[string]any{}, false},
		{"unknown type", "notAType", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Conforms(tt.typeCode, tt.value); got != tt.want {
				t.Errorf("Conforms(%s, %v) = %v; want %v (err: %v)", tt.typeCode, tt.value, got, tt.want, c.Check(tt.typeCode, tt.value))
			}
		})
	}
}

func TestCheck_Messages(t *testing.T) {
	c := newChecker(t)

	if err := c.Check("integer", "2"); err == nil || err.Error() != "expected number for integer, got string" {
		t.Errorf("Check = %v", err)
	}
	if err := c.Check("date", "01/04/2021"); err == nil {
		t.Error("expected format error")
	}
}

func TestRegexCache(t *testing.T) {
	c := newChecker(t)

	for i := 0; i < 3; i++ {
		c.Conforms("date", "2020-01-01")
	}
	if c.regexCache.Len() != 1 {
		t.Errorf("regex cache size = %d; want 1", c.regexCache.Len())
	}
}
