package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Pool converts a stream of jobs with a fixed set of worker goroutines.
// Results arrive in completion order; use Outcome.Index to restore order.
type Pool[In, Out any] struct {
	workers    int
	jobsChan   chan Job[In]
	resultChan chan Outcome[Out]
	fn         Func[In, Out]
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool

	// Metrics
	jobsSubmitted atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64
	totalDuration atomic.Uint64
}

// NewPool creates a pool running fn on the specified number of workers.
// If workers <= 0, it defaults to runtime.NumCPU().
func NewPool[In, Out any](fn Func[In, Out], workers int) *Pool[In, Out] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool[In, Out]{
		workers:    workers,
		jobsChan:   make(chan Job[In], workers*2),
		resultChan: make(chan Outcome[Out], workers*2),
		fn:         fn,
		ctx:        ctx,
		cancel:     cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	// results close once every worker has returned
	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	return p
}

// Submit queues a job, blocking while the queue is full.
// It returns false once the pool is closed.
func (p *Pool[In, Out]) Submit(job Job[In]) bool {
	if p.closed.Load() {
		return false
	}

	select {
	case <-p.ctx.Done():
		return false
	case p.jobsChan <- job:
		p.jobsSubmitted.Add(1)
		return true
	}
}

// Results returns the channel of outcomes. It is closed after CloseInput
// once every queued job has been processed, or after Close.
func (p *Pool[In, Out]) Results() <-chan Outcome[Out] {
	return p.resultChan
}

// CloseInput signals that no more jobs will be submitted. Queued jobs are
// still processed; Results must be drained.
func (p *Pool[In, Out]) CloseInput() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobsChan)
}

// Close abandons queued jobs and stops the workers.
func (p *Pool[In, Out]) Close() {
	p.cancel()
	p.CloseInput()
	for range p.resultChan { //nolint:revive // drain so workers can exit
	}
}

// Stats returns current pool statistics.
func (p *Pool[In, Out]) Stats() PoolStats {
	return PoolStats{
		Workers:       p.workers,
		JobsSubmitted: p.jobsSubmitted.Load(),
		JobsCompleted: p.jobsCompleted.Load(),
		JobsFailed:    p.jobsFailed.Load(),
		AvgDuration:   p.averageDuration(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Workers       int
	JobsSubmitted uint64
	JobsCompleted uint64
	JobsFailed    uint64
	AvgDuration   time.Duration
}

func (p *Pool[In, Out]) worker() {
	defer p.wg.Done()

	for job := range p.jobsChan {
		if p.ctx.Err() != nil {
			return
		}

		result := run(p.ctx, job.Index, job.Input, p.fn)
		result.Index = job.Index
		p.jobsCompleted.Add(1)
		if result.Err != nil {
			p.jobsFailed.Add(1)
		}
		p.totalDuration.Add(uint64(result.Duration.Nanoseconds())) //nolint:gosec // positive

		select {
		case <-p.ctx.Done():
			return
		case p.resultChan <- result:
		}
	}
}

func (p *Pool[In, Out]) averageDuration() time.Duration {
	completed := p.jobsCompleted.Load()
	if completed == 0 {
		return 0
	}
	return time.Duration(p.totalDuration.Load() / completed) //nolint:gosec // within int64 range
}
