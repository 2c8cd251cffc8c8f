package fhirflat

import "strconv"

// IssueSeverity represents the severity of a conversion or validation issue.
// Maps to OperationOutcome.issue.severity in FHIR.
type IssueSeverity string

const (
	// SeverityFatal indicates the record cannot be converted at all.
	SeverityFatal IssueSeverity = "fatal"
	// SeverityError indicates the record is invalid.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates data was skipped or passed through unconverted.
	SeverityWarning IssueSeverity = "warning"
	// SeverityInformation indicates informational feedback.
	SeverityInformation IssueSeverity = "information"
)

// IssueType represents the type of issue.
// Validation codes map to OperationOutcome.issue.code in FHIR; the ingestion
// codes are local to FHIRflat.
type IssueType string

const (
	// IssueTypeInvalid indicates the content is invalid.
	IssueTypeInvalid IssueType = "invalid"
	// IssueTypeStructure indicates an unknown element or a list/scalar mismatch.
	IssueTypeStructure IssueType = "structure"
	// IssueTypeRequired indicates a required element is missing.
	IssueTypeRequired IssueType = "required"
	// IssueTypeValue indicates a primitive value with the wrong type or format.
	IssueTypeValue IssueType = "value"
	// IssueTypeInvariant indicates a FHIRPath invariant violation.
	IssueTypeInvariant IssueType = "invariant"
	// IssueTypeExtension indicates an extension-related issue.
	IssueTypeExtension IssueType = "extension"
	// IssueTypeProcessing indicates a processing error.
	IssueTypeProcessing IssueType = "processing"

	// IssueTypeMissingMapping indicates a column/response pair with no mapping rule.
	IssueTypeMissingMapping IssueType = "missing-mapping"
	// IssueTypeNoData indicates a resource with no populated source columns.
	IssueTypeNoData IssueType = "no-data"
	// IssueTypeDateFormat indicates a date that could not be converted.
	IssueTypeDateFormat IssueType = "date-format"
)

// Issue represents a single conversion or validation issue.
type Issue struct {
	// Severity of the issue (error, warning, information)
	Severity IssueSeverity `json:"severity"`

	// Code identifying the type of issue
	Code IssueType `json:"code"`

	// Diagnostics contains human-readable details about the issue
	Diagnostics string `json:"diagnostics,omitempty"`

	// Expression contains the path(s) to the element(s) in error
	Expression []string `json:"expression,omitempty"`

	// Row is the source row index for ingestion issues, -1 when not applicable
	Row int `json:"row"`

	// Column is the raw source column for ingestion issues
	Column string `json:"column,omitempty"`

	// ConstraintKey is the invariant key if this is a constraint violation
	ConstraintKey string `json:"constraintKey,omitempty"`
}

// IsError returns true if this is an error or fatal issue.
func (i Issue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

// IsWarning returns true if this is a warning.
func (i Issue) IsWarning() bool {
	return i.Severity == SeverityWarning
}

// String returns a human-readable representation of the issue.
func (i Issue) String() string {
	s := string(i.Severity) + ": " + i.Diagnostics
	if len(i.Expression) > 0 {
		s += " at " + i.Expression[0]
	}
	if i.Row >= 0 && i.Column != "" {
		s += " (row " + strconv.Itoa(i.Row) + ", column " + i.Column + ")"
	}
	return s
}

// IssueBuilder provides a fluent API for building issues.
type IssueBuilder struct {
	issue Issue
}

// NewIssue creates a new IssueBuilder.
func NewIssue(severity IssueSeverity, code IssueType) *IssueBuilder {
	return &IssueBuilder{
		issue: Issue{
			Severity: severity,
			Code:     code,
			Row:      -1,
		},
	}
}

// Error creates an error issue.
func Error(code IssueType) *IssueBuilder {
	return NewIssue(SeverityError, code)
}

// Warning creates a warning issue.
func Warning(code IssueType) *IssueBuilder {
	return NewIssue(SeverityWarning, code)
}

// Diagnostics sets the diagnostic message.
func (b *IssueBuilder) Diagnostics(msg string) *IssueBuilder {
	b.issue.Diagnostics = msg
	return b
}

// At sets the expression path.
func (b *IssueBuilder) At(path string) *IssueBuilder {
	b.issue.Expression = []string{path}
	return b
}

// Cell sets the source row and column.
func (b *IssueBuilder) Cell(row int, column string) *IssueBuilder {
	b.issue.Row = row
	b.issue.Column = column
	return b
}

// Constraint sets the constraint key.
func (b *IssueBuilder) Constraint(key string) *IssueBuilder {
	b.issue.ConstraintKey = key
	return b
}

// Build returns the constructed issue.
func (b *IssueBuilder) Build() Issue {
	return b.issue
}
