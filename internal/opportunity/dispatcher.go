package opportunity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

const defaultPublishTimeout = 5 * time.Second

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPublishTimeout bounds each sink call.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher queues opportunities and fans them out to every sink on a
// background goroutine. Emit never blocks; a full queue drops the record.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Opportunity
	logger  *log.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	emitted, dropped, failed atomic.Uint64
}

// NewDispatcher starts a dispatcher with the given queue depth.
func NewDispatcher(buffer int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		queue:   make(chan Opportunity, buffer),
		logger:  log.New(io.Discard, "", 0),
		timeout: defaultPublishTimeout,
		done:    make(chan struct{}),
	}
	for _, sink := range sinks {
		if sink != nil {
			d.sinks = append(d.sinks, sink)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	go d.run()
	return d
}

// Emit enqueues opp and reports whether it was accepted.
func (d *Dispatcher) Emit(opp Opportunity) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- opp:
		d.emitted.Add(1)
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Emitted reports accepted records.
func (d *Dispatcher) Emitted() uint64 { return d.emitted.Load() }

// Dropped reports records rejected because the queue was full or closed.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed reports sink deliveries that returned an error.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Close stops accepting records and waits for queued ones to be delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("opportunity dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for opp := range d.queue {
		if err := d.deliver(opp); err != nil {
			d.logger.Printf("opportunity delivery failed: id=%s err=%v", opp.ID, err)
		}
	}
}

func (d *Dispatcher) deliver(opp Opportunity) error {
	if len(d.sinks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	p := pool.New().WithErrors().WithMaxGoroutines(len(d.sinks))
	for _, sink := range d.sinks {
		p.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sink panic: %v", r)
				}
			}()
			return sink.Publish(ctx, opp)
		})
	}
	err := p.Wait()
	if err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			d.failed.Add(uint64(len(joined.Unwrap())))
		} else {
			d.failed.Add(1)
		}
	}
	return err
}
