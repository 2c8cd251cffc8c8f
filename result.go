package fhirflat

import (
	"strconv"
	"sync"
)

// Result collects the issues raised while converting one batch.
// It is safe for concurrent use by parallel workers.
type Result struct {
	// Valid is true if no errors were found (warnings are allowed)
	Valid bool `json:"valid"`

	// Issues contains all issues found
	Issues []Issue `json:"issues,omitempty"`

	// ResourceType is the type of resource that was converted
	ResourceType string `json:"resourceType,omitempty"`

	// mu protects concurrent access to Issues
	mu sync.Mutex
}

// NewResult creates an empty, valid result.
func NewResult(resourceType string) *Result {
	return &Result{
		Valid:        true,
		Issues:       make([]Issue, 0, 8),
		ResourceType: resourceType,
	}
}

// AddIssue adds an issue to the result.
func (r *Result) AddIssue(issue Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Issues = append(r.Issues, issue)
	if issue.IsError() {
		r.Valid = false
	}
}

// AddIssues adds multiple issues to the result.
func (r *Result) AddIssues(issues []Issue) {
	if len(issues) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.Issues = append(r.Issues, issues...)
	for _, issue := range issues {
		if issue.IsError() {
			r.Valid = false
			break
		}
	}
}

// HasErrors returns true if there are any error or fatal issues.
func (r *Result) HasErrors() bool {
	return r.ErrorCount() > 0
}

// ErrorCount returns the number of error and fatal issues.
func (r *Result) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, issue := range r.Issues {
		if issue.IsError() {
			count++
		}
	}
	return count
}

// Warnings returns all warning issues.
func (r *Result) Warnings() []Issue {
	r.mu.Lock()
	defer r.mu.Unlock()

	var warnings []Issue
	for _, issue := range r.Issues {
		if issue.IsWarning() {
			warnings = append(warnings, issue)
		}
	}
	return warnings
}

// RecordError is the failure of one record inside a batch.
type RecordError struct {
	// Index is the position of the record in the batch
	Index int `json:"index"`

	// Input is the record that failed (a FlatRow or resource)
	Input map[string]any `json:"input,omitempty"`

	// Err is the conversion or validation error
	Err error `json:"-"`
}

// Error implements error.
func (e RecordError) Error() string {
	return "record " + strconv.Itoa(e.Index) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e RecordError) Unwrap() error { return e.Err }

// BatchResult holds the per-record outcome of a batch conversion.
// Successes and Errors are both ordered by record index.
type BatchResult[T any] struct {
	Successes []T
	Indexes   []int
	Errors    []RecordError
}

// Add records the outcome of record i.
func (b *BatchResult[T]) Add(i int, v T, input map[string]any, err error) {
	if err != nil {
		b.Errors = append(b.Errors, RecordError{Index: i, Input: input, Err: err})
		return
	}
	b.Successes = append(b.Successes, v)
	b.Indexes = append(b.Indexes, i)
}

// OK returns true if no record failed.
func (b *BatchResult[T]) OK() bool {
	return len(b.Errors) == 0
}
