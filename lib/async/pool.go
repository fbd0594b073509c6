// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/luxgrid/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// A pool with a single worker runs tasks strictly in submission order.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	onError func(error)
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option configures a pool.
type Option func(*Pool)

// WithErrorHandler receives task errors and recovered panics.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks and cancels queued and running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.jobs)
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for job := range p.jobs {
		if p.ctx.Err() == nil {
			p.run(job)
		}
		p.wg.Done()
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stop()
		cancel()
		if r := recover(); r != nil {
			p.report(fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
