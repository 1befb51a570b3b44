package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one stage execution request: run this stage for this attraction.
// Tasks are the continuation mechanism of the pipeline — completing a stage
// dispatches a task for the next one.
type Task struct {
	RunID        string
	AttractionID int64
	Stage        string
}

// Dispatcher hands stage tasks to the worker fleet. In a multi-process
// deployment the implementation would publish to a message broker; Pool is
// the in-process implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) bool
}

// DispatchStats tracks queue usage
type DispatchStats struct {
	TotalSent    int64
	TotalHandled int64
	TimeoutCount int64
	CurrentDepth int
}

// Handler executes one task.
type Handler func(ctx context.Context, task Task)

// Pool is a bounded task queue drained by a fixed set of worker goroutines.
type Pool struct {
	ch      chan Task
	timeout time.Duration
	logger  *slog.Logger

	handler Handler
	wg      sync.WaitGroup // outstanding tasks
	workers sync.WaitGroup
	done    chan struct{}

	sent     atomic.Int64
	handled  atomic.Int64
	timeouts atomic.Int64
}

// NewPool creates a pool. Start must be called before tasks are handled;
// dispatches before Start queue up to the buffer size.
func NewPool(workers, queueSize int, dispatchTimeout time.Duration, logger *slog.Logger) *Pool {
	p := &Pool{
		ch:      make(chan Task, queueSize),
		timeout: dispatchTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Start installs the task handler. Kept separate from NewPool because the
// executor and the pool reference each other: the pool runs the executor,
// and the executor dispatches continuations back into the pool.
func (p *Pool) Start(handler Handler) {
	p.handler = handler
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		select {
		case task := <-p.ch:
			p.run(task)
		case <-p.done:
			// Drain anything already queued before exiting
			for {
				select {
				case task := <-p.ch:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				"run_id", task.RunID,
				"attraction_id", task.AttractionID,
				"stage", task.Stage,
				"panic", r)
		}
	}()

	p.handler(context.Background(), task)
	p.handled.Add(1)
}

// Dispatch queues a task, blocking up to the dispatch timeout if the queue
// is full. Returns false if the task was dropped.
func (p *Pool) Dispatch(_ context.Context, task Task) bool {
	p.wg.Add(1)
	select {
	case p.ch <- task:
		p.sent.Add(1)
		return true
	case <-time.After(p.timeout):
		p.wg.Done()
		p.timeouts.Add(1)
		p.logger.Warn("dispatch queue full, task dropped",
			"run_id", task.RunID,
			"attraction_id", task.AttractionID,
			"stage", task.Stage,
			"timeout", p.timeout)
		return false
	}
}

// Wait blocks until every dispatched task, including continuations spawned
// while waiting, has been handled.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop waits for outstanding tasks and shuts the workers down.
func (p *Pool) Stop() {
	p.wg.Wait()
	close(p.done)
	p.workers.Wait()
}

// Stats returns a snapshot of queue counters.
func (p *Pool) Stats() DispatchStats {
	return DispatchStats{
		TotalSent:    p.sent.Load(),
		TotalHandled: p.handled.Load(),
		TimeoutCount: p.timeouts.Load(),
		CurrentDepth: len(p.ch),
	}
}
