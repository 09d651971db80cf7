// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/relay/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// PanicHandler receives values recovered from panicking tasks.
type PanicHandler func(recovered any)

// Pool is a bounded worker pool. Submissions never block: a full queue is
// reported back to the caller.
//
// Closing the pool cancels the pool context. Jobs already queued still run,
// with a cancelled context, so anything waiting on their completion is
// released.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	pending sync.WaitGroup
	workers sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	once    sync.Once

	onPanic  PanicHandler
	inFlight atomic.Int64
	rejected atomic.Uint64
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option customises a pool.
type Option func(*Pool)

// WithPanicHandler registers a callback for recovered task panics.
func WithPanicHandler(fn PanicHandler) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalidConfig, errs.WithMessage("workers must be >0"))
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
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task without blocking. The task context is cancelled
// when either ctx or the pool is done.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeNullInput, errs.WithMessage("task must not be nil"))
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
		return errs.New("lib/async", errs.CodeInvalidState, errs.WithMessage("pool closed"))
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.pending.Done()
		p.rejected.Add(1)
		return errs.New("lib/async", errs.CodeProcessingFailed, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks and cancels running ones.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.cancel()
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and joins every worker or gives up when ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// InFlight reports the number of tasks currently executing.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Rejected reports how many submissions were refused because the queue was full.
func (p *Pool) Rejected() uint64 { return p.rejected.Load() }

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	// Task errors are reported through the task's own result channel.
	_ = j.fn(ctx)
}
