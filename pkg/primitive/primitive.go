// Package primitive checks values against FHIR primitive types: the JSON type
// first, then the lexical pattern declared by the type's StructureDefinition.
package primitive

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/globaldothealth/fhirflat/cache"
	"github.com/globaldothealth/fhirflat/pkg/registry"
)

// Checker validates primitive values. It is safe for concurrent use.
type Checker struct {
	registry   *registry.Registry
	regexCache *cache.Cache[string, *regexp.Regexp]
}

// New creates a Checker for the primitive types defined in reg.
func New(reg *registry.Registry) *Checker {
	return &Checker{
		registry:   reg,
		regexCache: cache.New[string, *regexp.Regexp](64),
	}
}

// jsonType represents the JSON type categories relevant for FHIR.
type jsonType int

const (
	jsonTypeUnknown jsonType = iota
	jsonTypeNull
	jsonTypeBoolean
	jsonTypeNumber
	jsonTypeString
	jsonTypeArray
	jsonTypeObject
)

// Conforms reports whether v is a valid value of the primitive typeCode.
// Unknown type codes never conform.
func (c *Checker) Conforms(typeCode string, v any) bool {
	return c.Check(typeCode, v) == nil
}

// Check returns a descriptive error when v is not a valid typeCode value.
func (c *Checker) Check(typeCode string, v any) error {
	if !c.registry.IsPrimitiveType(typeCode) {
		return fmt.Errorf("%s is not a primitive type", typeCode)
	}

	actual := getJSONType(v)
	expected := getExpectedJSONType(typeCode)
	if actual != expected {
		return fmt.Errorf("expected %s for %s, got %s", jsonTypeName(expected), typeCode, jsonTypeName(actual))
	}

	var lexical string
	switch actual {
	case jsonTypeString:
		lexical = v.(string)
	case jsonTypeNumber:
		s, ok := formatNumericValue(v, typeCode)
		if !ok {
			return fmt.Errorf("value %v is not a valid %s", v, typeCode)
		}
		lexical = s
	default:
		return nil
	}

	regex, err := c.regexFor(typeCode)
	if err != nil {
		return err
	}
	if regex != nil && !regex.MatchString(lexical) {
		return fmt.Errorf("value %q does not match the %s format", truncateValue(lexical), typeCode)
	}
	return nil
}

func (c *Checker) regexFor(typeCode string) (*regexp.Regexp, error) {
	return c.regexCache.GetOrLoad(typeCode, func() (*regexp.Regexp, error) {
		pattern := c.registry.GetByType(typeCode).Regex()
		if pattern == "" {
			return nil, nil
		}
		// The regex must match the entire string
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", typeCode, err)
		}
		return re, nil
	})
}

// formatNumericValue renders a number for pattern matching. Integer types
// reject values with a fractional part.
func formatNumericValue(value any, typeCode string) (string, bool) {
	switch v := value.(type) {
	case json.Number:
		return v.String(), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		if isIntegerType(typeCode) {
			if v != math.Trunc(v) || math.IsInf(v, 0) {
				return "", false
			}
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func isIntegerType(typeCode string) bool {
	switch typeCode {
	case "integer", "positiveInt", "unsignedInt":
		return true
	}
	return false
}

// getJSONType returns the JSON type of a value.
func getJSONType(value any) jsonType {
	if value == nil {
		return jsonTypeNull
	}

	switch value.(type) {
	case bool:
		return jsonTypeBoolean
	case float64, int, int64, float32, json.Number:
		return jsonTypeNumber
	case string:
		return jsonTypeString
	case []any:
		return jsonTypeArray
	case map[string]any:
		return jsonTypeObject
	default:
		return jsonTypeUnknown
	}
}

// getExpectedJSONType returns the expected JSON type for a FHIR primitive type.
func getExpectedJSONType(typeCode string) jsonType {
	switch typeCode {
	case "boolean":
		return jsonTypeBoolean
	case "integer", "decimal", "positiveInt", "unsignedInt":
		return jsonTypeNumber
	default:
		// integer64 and all other primitives are strings in JSON
		return jsonTypeString
	}
}

// jsonTypeName returns a human-readable name for a JSON type.
func jsonTypeName(t jsonType) string {
	switch t {
	case jsonTypeNull:
		return "null"
	case jsonTypeBoolean:
		return "boolean"
	case jsonTypeNumber:
		return "number"
	case jsonTypeString:
		return "string"
	case jsonTypeArray:
		return "array"
	case jsonTypeObject:
		return "object"
	default:
		return "unknown"
	}
}

// truncateValue truncates a value for display in error messages.
func truncateValue(value string) string {
	if len(value) > 50 {
		return value[:47] + "..."
	}
	return value
}
