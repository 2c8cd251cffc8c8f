package worker

import (
	"context"
	"time"
)

// Job is one record submitted to a Pool.
type Job[In any] struct {
	// Index is the position of the record in its source.
	Index int

	// Input is the record to convert.
	Input In
}

// Outcome is the result of converting one record.
type Outcome[Out any] struct {
	// Index matches the Job.Index (or slice position) that produced it.
	Index int

	// Output is the converted record, valid when Err is nil.
	Output Out

	// Err is the conversion error of this record only.
	Err error

	// Duration is the time spent converting.
	Duration time.Duration
}

// Func converts one record. Implementations must not share mutable state
// between calls.
type Func[In, Out any] func(ctx context.Context, index int, in In) (Out, error)
