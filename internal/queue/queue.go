// Package queue implements a bounded-concurrency task scheduler with priority
// ordering and classified exponential-backoff retry.
//
// Tasks enter a priority-ordered pending list and move to an in-flight set as
// capacity frees up; at most maxConcurrent tasks execute at once. A failed
// task whose error classifies as retryable is held for 2^(n-1) backoff units
// and then re-inserted into a retry lane that is always serviced ahead of the
// regular pending list.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is applied when EnqueueOptions.MaxRetries is < 1.
const DefaultMaxRetries = 3

// ErrCleared rejects every pending task when Clear is called.
var ErrCleared = errors.New("queue cleared")

type (
	// Result is the terminal outcome of a queued task.
	Result[T any] struct {
		Value T
		Err   error
	}

	// EnqueueOptions tunes a single task. The zero value means priority 0
	// and DefaultMaxRetries.
	EnqueueOptions struct {
		// Priority orders the pending list; higher runs sooner. Equal
		// priorities are serviced FIFO.
		Priority int

		// MaxRetries bounds retry attempts for retryable failures.
		// Values < 1 use DefaultMaxRetries.
		MaxRetries int
	}

	// Stats is a point-in-time snapshot of queue counters. Pending and
	// Processing are gauges; the rest are cumulative and reset only by Clear.
	Stats struct {
		Pending    int
		Processing int
		Completed  int
		Failed     int
		Retried    int
	}

	task[T any] struct {
		id         string
		work       func() (T, error)
		priority   int
		maxRetries int
		retries    int
		enqueuedAt time.Time
		result     chan Result[T]
	}
)

// Queue schedules tasks of one result type. Safe for concurrent use; all
// list and counter mutations happen under a single mutex per instance.
type Queue[T any] struct {
	mu sync.Mutex

	pending   []*task[T] // priority-ordered, head runs first
	retryLane []*task[T] // serviced before pending, newest retry first

	processing    int
	maxConcurrent int
	backoffBase   time.Duration
	onRetry       func()

	completed int
	failed    int
	retried   int
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithBackoffBase overrides the retry backoff unit (default 1s). The n-th
// retry waits backoffBase * 2^(n-1). Tests use a few milliseconds here.
func WithBackoffBase[T any](d time.Duration) Option[T] {
	return func(q *Queue[T]) { q.backoffBase = d }
}

// WithOnRetry registers a hook invoked once each time a task is scheduled
// for a retry. Used for metrics.
func WithOnRetry[T any](fn func()) Option[T] {
	return func(q *Queue[T]) { q.onRetry = fn }
}

// New creates a Queue executing at most maxConcurrent tasks at once.
// maxConcurrent values < 1 are clamped to 1.
func New[T any](maxConcurrent int, opts ...Option[T]) *Queue[T] {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &Queue[T]{
		maxConcurrent: maxConcurrent,
		backoffBase:   time.Second,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue schedules work and returns a single-use channel that delivers the
// terminal result: the work's value, or its error once retries are exhausted
// or the failure classifies as non-retryable. The pending list has no depth
// bound; backpressure is observable via Stats and Len only.
func (q *Queue[T]) Enqueue(work func() (T, error), opts EnqueueOptions) <-chan Result[T] {
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}

	t := &task[T]{
		id:         uuid.New().String(),
		work:       work,
		priority:   opts.Priority,
		maxRetries: maxRetries,
		enqueuedAt: time.Now(),
		result:     make(chan Result[T], 1),
	}

	q.mu.Lock()
	q.insertByPriority(t)
	q.dispatchLocked()
	q.mu.Unlock()

	return t.result
}

// Do enqueues work and blocks until its terminal result.
func (q *Queue[T]) Do(work func() (T, error), opts EnqueueOptions) (T, error) {
	r := <-q.Enqueue(work, opts)
	return r.Value, r.Err
}

// Len returns the number of tasks waiting to run (retry lane included).
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.retryLane)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    len(q.pending) + len(q.retryLane),
		Processing: q.processing,
		Completed:  q.completed,
		Failed:     q.failed,
		Retried:    q.retried,
	}
}

// SetMaxConcurrent updates the concurrency bound and immediately dispatches
// any waiting tasks the new bound allows. Values < 1 are clamped to 1.
func (q *Queue[T]) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.dispatchLocked()
	q.mu.Unlock()
}

// Clear rejects every waiting task with ErrCleared and empties both lists.
// In-flight tasks are not touched and complete normally.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	waiting := append(q.retryLane, q.pending...)
	q.retryLane = nil
	q.pending = nil
	q.completed = 0
	q.failed = 0
	q.retried = 0
	q.mu.Unlock()

	var zero T
	for _, t := range waiting {
		t.result <- Result[T]{Value: zero, Err: ErrCleared}
	}
}

// insertByPriority places t at the first position whose priority is strictly
// lower, keeping FIFO order within a priority band. Caller holds q.mu.
func (q *Queue[T]) insertByPriority(t *task[T]) {
	pos := len(q.pending)
	for i, p := range q.pending {
		if p.priority < t.priority {
			pos = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = t
}

// dispatchLocked moves tasks from the retry lane and pending list into
// execution until capacity or work runs out. Caller holds q.mu.
func (q *Queue[T]) dispatchLocked() {
	for q.processing < q.maxConcurrent {
		var t *task[T]
		switch {
		case len(q.retryLane) > 0:
			t = q.retryLane[0]
			q.retryLane = q.retryLane[1:]
		case len(q.pending) > 0:
			t = q.pending[0]
			q.pending = q.pending[1:]
		default:
			return
		}
		q.processing++
		go q.run(t)
	}
}

// run executes one task and settles it: success, retry, or terminal failure.
func (q *Queue[T]) run(t *task[T]) {
	value, err := callSafely(t.work)

	if err == nil {
		q.mu.Lock()
		q.processing--
		q.completed++
		q.dispatchLocked()
		q.mu.Unlock()
		t.result <- Result[T]{Value: value}
		return
	}

	if !Retryable(err) || t.retries >= t.maxRetries {
		q.mu.Lock()
		q.processing--
		q.failed++
		q.dispatchLocked()
		q.mu.Unlock()
		var zero T
		t.result <- Result[T]{Value: zero, Err: err}
		return
	}

	t.retries++
	if q.onRetry != nil {
		q.onRetry()
	}
	delay := q.backoffBase << (t.retries - 1)

	q.mu.Lock()
	q.processing--
	q.retried++
	q.dispatchLocked()
	q.mu.Unlock()

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.retryLane = append([]*task[T]{t}, q.retryLane...)
		q.dispatchLocked()
		q.mu.Unlock()
	})
}

// callSafely converts a panic inside the task body into a normal error so
// one misbehaving task cannot take down the scheduler.
func callSafely[T any](work func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return work()
}
