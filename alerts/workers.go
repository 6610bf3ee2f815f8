package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/stream-alerts/telemetry"
)

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = errors.New("worker pool closed")

type task struct {
	name string
	fn   func(context.Context)
}

// Pool runs dispatch/resolve units on a fixed set of workers with a bounded
// queue, so a burst of transitions cannot spawn unbounded goroutines. Units
// are detached from the poll loop but joined again at shutdown.
type Pool struct {
	logger     *slog.Logger
	tasks      chan task
	numWorkers int

	mu         sync.Mutex
	closed     bool
	submitting sync.WaitGroup

	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

// NewPool creates a pool with the given worker and queue sizes.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:     logger.With(slog.String("component", "event_pool")),
		tasks:      make(chan task, queueSize),
		numWorkers: workers,
	}
}

// Start launches the workers. Units keep running across context cancellation
// so Shutdown can drain them; cancellation only stops intake.
func (p *Pool) Start(ctx context.Context) {
	// Values (trace/correlation plumbing) survive, cancellation does not:
	// a unit in flight at shutdown is drained, not killed.
	taskCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.numWorkers; i++ {
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			for t := range p.tasks {
				telemetry.SetEventQueueDepth(len(p.tasks))
				p.run(taskCtx, t)
			}
		}()
	}
}

func (p *Pool) run(ctx context.Context, t task) {
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event unit panicked", slog.String("task", t.name), slog.Any("panic", r))
		}
	}()
	t.fn(ctx)
}

// Submit enqueues a unit of work. It blocks when the queue is full, bounding
// the poll loop against a backlog, and fails once the pool is shut down.
func (p *Pool) Submit(ctx context.Context, name string, fn func(context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	p.submitting.Add(1)
	p.mu.Unlock()
	defer p.submitting.Done()

	select {
	case p.tasks <- task{name: name, fn: fn}:
		telemetry.SetEventQueueDepth(len(p.tasks))
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		return ctx.Err()
	}
}

// Shutdown stops intake and waits up to timeout for queued and running units
// to finish. Returns an error when units had to be abandoned.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	// Workers keep draining the queue, so blocked submitters finish quickly.
	p.submitting.Wait()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		remaining := len(p.tasks)
		p.logger.Warn("shutdown drain timed out", slog.Int("queued", remaining))
		return fmt.Errorf("drain timed out with %d queued units", remaining)
	}
}
