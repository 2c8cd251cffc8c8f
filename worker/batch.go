package worker

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Map applies fn to every item and returns the outcomes in input order.
// A failing item never stops its siblings. Once ctx is cancelled, items not
// yet started get ctx.Err() as their error.
//
// Batches of two items or fewer, or a worker count of one, run sequentially.
func Map[In, Out any](ctx context.Context, items []In, workers int, fn Func[In, Out]) []Outcome[Out] {
	if len(items) == 0 {
		return []Outcome[Out]{}
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if len(items) <= 2 || workers == 1 {
		return mapSequential(ctx, items, fn)
	}
	return mapParallel(ctx, items, workers, fn)
}

func mapSequential[In, Out any](ctx context.Context, items []In, fn Func[In, Out]) []Outcome[Out] {
	out := make([]Outcome[Out], len(items))
	for i, item := range items {
		out[i] = run(ctx, i, item, fn)
	}
	return out
}

func mapParallel[In, Out any](ctx context.Context, items []In, workers int, fn Func[In, Out]) []Outcome[Out] {
	if workers > len(items) {
		workers = len(items)
	}

	out := make([]Outcome[Out], len(items))
	indexes := make(chan int)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range indexes {
				// each index is written by exactly one worker
				out[i] = run(ctx, i, items[i], fn)
			}
		}()
	}

	for i := range items {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return out
}

func run[In, Out any](ctx context.Context, i int, item In, fn Func[In, Out]) Outcome[Out] {
	if err := ctx.Err(); err != nil {
		return Outcome[Out]{Index: i, Err: err}
	}
	start := time.Now()
	v, err := fn(ctx, i, item)
	return Outcome[Out]{Index: i, Output: v, Err: err, Duration: time.Since(start)}
}
