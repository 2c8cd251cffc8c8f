package fhirflat

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownResource is returned for resource types without a definition.
var ErrUnknownResource = errors.New("unknown resource type")

// SchemaMismatchError reports data whose structure cannot be reconciled with
// the schema. It aborts the conversion of the current record.
type SchemaMismatchError struct {
	Type   string
	Path   string
	Reason string
}

// Error implements error.
func (e *SchemaMismatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema mismatch on %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("schema mismatch on %s at %s: %s", e.Type, e.Path, e.Reason)
}

// AmbiguousMappingError reports a one-to-one column holding more than one
// distinct value for a subject.
type AmbiguousMappingError struct {
	Subject any
	Column  string
	Values  []any
}

// Error implements error.
func (e *AmbiguousMappingError) Error() string {
	return fmt.Sprintf("Multiple values found in one-to-one mapping: column %s for subject %v has values %v",
		e.Column, e.Subject, e.Values)
}

// FieldLookupError reports a <column> reference in a mapping expression that
// resolves to no column. Filtered is true when no raw data was available as
// a fallback.
type FieldLookupError struct {
	Column   string
	Filtered bool
}

// Error implements error.
func (e *FieldLookupError) Error() string {
	if e.Filtered {
		return fmt.Sprintf("Column %s not found in the filtered data. Ensure the column is in the mapping file", e.Column)
	}
	return fmt.Sprintf("Column %s not found in data", e.Column)
}

// DateParseError reports a date that does not match the configured format.
type DateParseError struct {
	Value  string
	Format string
	Err    error
}

// Error implements error.
func (e *DateParseError) Error() string {
	return fmt.Sprintf("Date %s could not be converted using date format %s", e.Value, e.Format)
}

// Unwrap returns the underlying parse error.
func (e *DateParseError) Unwrap() error { return e.Err }

// ValidationError reports a reconstructed record rejected by the schema.
// It is recoverable at batch level.
type ValidationError struct {
	Type   string
	Issues []Issue
}

// Error implements error.
func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.IsError() {
			msgs = append(msgs, is.String())
		}
	}
	return fmt.Sprintf("%d validation error(s) for %s: %s", len(msgs), e.Type, strings.Join(msgs, "; "))
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
