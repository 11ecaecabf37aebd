// Package background runs best-effort work off the critical path. Tasks that
// fail or panic are logged and counted; they never reach the submitter.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Task is one unit of best-effort work.
type Task func(ctx context.Context) error

// Stats summarizes queue activity.
type Stats struct {
	Submitted   int64     `json:"submitted"`
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	Dropped     int64     `json:"dropped"`
	LastError   string    `json:"last_error,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

type job struct {
	name string
	fn   Task
}

// Queue is a bounded work queue drained by a fixed set of workers.
type Queue struct {
	logger   *slog.Logger
	workers  int
	capacity int
	sink     func(name string, err error)

	tasks   chan job
	ctx     context.Context
	cancel  context.CancelFunc
	workWG  sync.WaitGroup
	pending sync.WaitGroup

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithWorkers sets the number of workers.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithCapacity sets how many tasks may wait before Submit drops.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithFailureSink receives every task failure in addition to the log.
func WithFailureSink(fn func(name string, err error)) Option {
	return func(q *Queue) { q.sink = fn }
}

// New starts a queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger:   slog.Default(),
		workers:  2,
		capacity: 256,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.tasks = make(chan job, q.capacity)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	for i := 0; i < q.workers; i++ {
		q.workWG.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues fn. It returns false if the queue is full or closed.
func (q *Queue) Submit(name string, fn Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.stats.Dropped++
		return false
	}
	q.pending.Add(1)
	select {
	case q.tasks <- job{name: name, fn: fn}:
		q.stats.Submitted++
		return true
	default:
		q.pending.Done()
		q.stats.Dropped++
		q.logger.Warn("background queue full, dropping task", "task", name)
		return false
	}
}

// Wait blocks until every submitted task has finished.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) worker() {
	defer q.workWG.Done()
	for j := range q.tasks {
		q.run(j)
	}
}

func (q *Queue) run(j job) {
	defer q.pending.Done()

	err := q.call(j)

	q.mu.Lock()
	if err == nil {
		q.stats.Succeeded++
		q.mu.Unlock()
		return
	}
	q.stats.Failed++
	q.stats.LastError = err.Error()
	q.stats.LastFailure = time.Now()
	q.mu.Unlock()

	wrapped := eris.Wrapf(err, "background task %s", j.name)
	q.logger.Warn("background task failed", "task", j.name, "error", eris.ToString(wrapped, false))
	q.logger.Debug("background task failure trace", "task", j.name, "trace", eris.ToJSON(wrapped, true))
	if q.sink != nil {
		q.sink(j.name, wrapped)
	}
}

func (q *Queue) call(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("panic: %v", r))
		}
	}()
	return j.fn(q.ctx)
}
