package ingest

import (
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/globaldothealth/fhirflat"
)

// Expression markers.
const (
	FieldPlaceholder = "<FIELD>"
	concatOp         = "+"
	conditionalOp    = " if not "
)

// Cell is the context an expression is evaluated in.
type Cell struct {
	// Response is the raw value of the mapped column.
	Response any

	// Row holds the columns visible to <column> lookups.
	Row map[string]any

	// Fallback is the unfiltered raw row, consulted when Row lacks a
	// column. nil when no raw data is available.
	Fallback map[string]any
}

// EvaluateExpression evaluates a mapping cell against c:
//
//	<FIELD>         the response itself
//	<column>        the value of another column
//	A+B             the non-missing sides joined by a space, or with no
//	                separator when the first side contains "/"
//	A if not B      A when B is missing or blank, otherwise nil
//	anything else   a literal
//
// A <column> found in neither Row nor Fallback is a *fhirflat.FieldLookupError.
func EvaluateExpression(c Cell, expr string) (any, error) {
	if !strings.Contains(expr, "<") {
		return expr, nil
	}

	if a, b, found := strings.Cut(expr, conditionalOp); found {
		av, err := EvaluateExpression(c, strings.TrimSpace(a))
		if err != nil {
			return nil, err
		}
		bv, err := EvaluateExpression(c, strings.TrimSpace(b))
		if err != nil {
			return nil, err
		}
		if blank(bv) {
			return av, nil
		}
		return nil, nil
	}

	if strings.Contains(expr, concatOp) {
		var parts []string
		for _, p := range strings.Split(expr, concatOp) {
			v, err := EvaluateExpression(c, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			if !Missing(v) {
				parts = append(parts, cast.ToString(v))
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		sep := " "
		if strings.Contains(parts[0], "/") {
			sep = ""
		}
		return strings.Join(parts, sep), nil
	}

	if expr == FieldPlaceholder {
		return c.Response, nil
	}
	return lookup(c, strings.TrimSuffix(strings.TrimPrefix(expr, "<"), ">"))
}

func lookup(c Cell, column string) (any, error) {
	if v, ok := c.Row[column]; ok {
		return v, nil
	}
	if c.Fallback == nil {
		return nil, &fhirflat.FieldLookupError{Column: column, Filtered: true}
	}
	if v, ok := c.Fallback[column]; ok {
		return v, nil
	}
	return nil, &fhirflat.FieldLookupError{Column: column}
}

// Missing reports whether v is an absent raw value: nil or NaN.
func Missing(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(val)
	}
	return false
}

func blank(v any) bool {
	if Missing(v) {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case bool:
		return !val
	}
	return false
}
