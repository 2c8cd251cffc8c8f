package fhirflat

import (
	"runtime"
)

// DateParsePolicy decides what happens when a date cannot be parsed with the
// configured format during ingestion.
type DateParsePolicy int

const (
	// DateParseWarn logs a warning and keeps the original value.
	DateParseWarn DateParsePolicy = iota
	// DateParseRaise aborts the expression with a *DateParseError.
	DateParseRaise
)

// String returns the policy name.
func (p DateParsePolicy) String() string {
	switch p {
	case DateParseRaise:
		return "raise"
	default:
		return "warn"
	}
}

// ParseDateParsePolicy parses "warn" or "raise". Anything else is warn.
func ParseDateParsePolicy(s string) DateParsePolicy {
	if s == "raise" {
		return DateParseRaise
	}
	return DateParseWarn
}

// Option configures conversions.
type Option func(*Options)

// Options holds all configuration for flattening, unflattening and ingestion.
type Options struct {
	// Ingestion
	DateFormat      string
	Timezone        string
	DateParsePolicy DateParsePolicy
	SubjectID       string

	// Validation
	ValidateConstraints bool
	MaxErrors           int

	// Performance
	Parallel    bool
	WorkerCount int

	// Cache sizes
	TypeCacheSize       int
	ExpressionCacheSize int
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		DateFormat:      "%Y-%m-%d",
		Timezone:        "UTC",
		DateParsePolicy: DateParseWarn,
		SubjectID:       "subjid",

		ValidateConstraints: true,
		MaxErrors:           0, // unlimited

		Parallel:    false,
		WorkerCount: runtime.NumCPU(),

		TypeCacheSize:       2000,
		ExpressionCacheSize: 500,
	}
}

// Apply returns DefaultOptions with opts applied in order.
func Apply(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// --- Ingestion Options ---

// WithDateFormat sets the strptime-style format of raw dates.
func WithDateFormat(format string) Option {
	return func(o *Options) {
		if format != "" {
			o.DateFormat = format
		}
	}
}

// WithTimezone sets the IANA timezone attached to raw date-times.
func WithTimezone(tz string) Option {
	return func(o *Options) {
		if tz != "" {
			o.Timezone = tz
		}
	}
}

// WithDateParsePolicy sets the behaviour for unparseable dates.
func WithDateParsePolicy(p DateParsePolicy) Option {
	return func(o *Options) {
		o.DateParsePolicy = p
	}
}

// WithSubjectID sets the raw column identifying a subject in one-to-one data.
func WithSubjectID(column string) Option {
	return func(o *Options) {
		if column != "" {
			o.SubjectID = column
		}
	}
}

// --- Validation Options ---

// WithConstraints enables FHIRPath invariant evaluation.
func WithConstraints(enable bool) Option {
	return func(o *Options) {
		o.ValidateConstraints = enable
	}
}

// WithMaxErrors stops collecting validation issues after max errors.
// Use 0 for unlimited.
func WithMaxErrors(max int) Option {
	return func(o *Options) {
		o.MaxErrors = max
	}
}

// --- Performance Options ---

// WithParallel converts independent records concurrently.
func WithParallel(enable bool) Option {
	return func(o *Options) {
		o.Parallel = enable
	}
}

// WithWorkerCount sets the number of workers for parallel batches.
// Defaults to runtime.NumCPU().
func WithWorkerCount(count int) Option {
	return func(o *Options) {
		if count > 0 {
			o.WorkerCount = count
		}
	}
}

// WithCacheSize configures the type resolution and expression caches.
func WithCacheSize(types, expressions int) Option {
	return func(o *Options) {
		if types > 0 {
			o.TypeCacheSize = types
		}
		if expressions > 0 {
			o.ExpressionCacheSize = expressions
		}
	}
}
