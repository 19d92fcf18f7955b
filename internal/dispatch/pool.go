// Package dispatch provides the bounded per-database worker pools that all
// SQL in a diff run passes through, and the lazy row streams their queries
// produce. Each database connection owns one Pool; parallelism against a
// backend never exceeds the pool's worker count, and submission order is
// FIFO within a pool.
package dispatch

import (
	"context"
	"sync"
)

type job func()

// Pool runs submitted jobs on a fixed set of workers. Submission blocks when
// every worker is busy and the (small) queue is full, which is what applies
// backpressure to the bisection recursion.
type Pool struct {
	jobs chan job

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool starts workers goroutines. workers < 1 is treated as 1.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan job, workers),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j()
	}
}

// Do submits fn and waits for it to finish. Both the wait for a free worker
// and the wait for completion are abandoned when ctx is cancelled; in the
// latter case the in-flight fn still runs to completion on its worker, and
// its result is discarded.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	j := func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues fn without waiting for it to finish.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) error {
	j := func() {
		if ctx.Err() != nil {
			return
		}
		_ = fn(ctx)
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for the workers to drain.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
