// Package queue runs asynchronous tasks strictly one at a time, in the order
// they were submitted.
//
// A failing or panicking task is settled like a successful one and the next
// task starts. Tasks cannot be removed or cancelled once pushed. The backing
// deque is unbounded unless WithMaxDepth is given, in which case pushes beyond
// the bound are refused with ErrFull, or wait for room with PushWait and
// FetchWait.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ef-ds/deque"

	"arbsync/logging"
	"arbsync/metrics"
)

var (
	ErrClosed = errors.New("queue: closed")
	ErrFull   = errors.New("queue: full")
)

// Task is a zero-argument unit of work. The context is the queue's own and is
// not cancelled when the submitter goes away.
type Task func(ctx context.Context) error

type item struct {
	task   Task
	handle *Handle
}

// Queue is a single-consumer FIFO executor.
type Queue struct {
	name      string
	ctx       context.Context
	maxDepth  int
	onFailure func(error)

	mu     sync.Mutex
	tasks  deque.Deque
	closed bool
	room   chan struct{}
	wake   chan struct{}
	done   chan struct{}
}

type Option func(*Queue)

// WithName labels the queue in logs and metrics.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

// WithMaxDepth bounds the number of waiting tasks. Zero means unbounded.
func WithMaxDepth(depth int) Option {
	return func(q *Queue) {
		if depth > 0 {
			q.maxDepth = depth
		}
	}
}

// WithFailureHandler replaces the default error logging for failed tasks.
func WithFailureHandler(fn func(error)) Option {
	return func(q *Queue) {
		if fn != nil {
			q.onFailure = fn
		}
	}
}

// WithContext sets the context handed to every task.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) { q.ctx = ctx }
}

// New starts a queue worker.
func New(opts ...Option) *Queue {
	q := &Queue{
		name: "default",
		ctx:  context.Background(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx = logging.WithLogField(q.ctx, "queue", q.name)
	if q.onFailure == nil {
		q.onFailure = func(err error) {
			logging.L(q.ctx).Errorf("Queued task failed: %s", err)
		}
	}
	go q.run()
	return q
}

// Push appends task to the queue.
func (q *Queue) Push(task Task) error {
	return q.enqueue(item{task: task})
}

// Fetch appends task and returns a handle settled with that task's outcome.
func (q *Queue) Fetch(task Task) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}
	if err := q.enqueue(item{task: task, handle: h}); err != nil {
		return nil, err
	}
	return h, nil
}

// PushWait is Push that waits for room in a full queue instead of returning
// ErrFull. It gives up when ctx ends.
func (q *Queue) PushWait(ctx context.Context, task Task) error {
	return q.enqueueWait(ctx, item{task: task})
}

// FetchWait is Fetch that waits for room in a full queue.
func (q *Queue) FetchWait(ctx context.Context, task Task) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}
	if err := q.enqueueWait(ctx, item{task: task, handle: h}); err != nil {
		return nil, err
	}
	return h, nil
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Close stops accepting tasks and blocks until every queued task has run.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.freeRoom()
		q.signal()
	}
	q.mu.Unlock()
	<-q.done
}

// Done is closed once the queue is closed and drained.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) enqueue(it item) error {
	if _, err := q.admit(it); err != nil {
		metrics.QueueRejected.WithLabelValues(q.name).Inc()
		return err
	}
	return nil
}

func (q *Queue) enqueueWait(ctx context.Context, it item) error {
	for {
		room, err := q.admit(it)
		if !errors.Is(err, ErrFull) {
			if err != nil {
				metrics.QueueRejected.WithLabelValues(q.name).Inc()
			}
			return err
		}
		select {
		case <-room:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// admit appends it. When the queue is full it returns ErrFull and a channel
// closed once a task leaves the queue.
func (q *Queue) admit(it item) (<-chan struct{}, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.maxDepth > 0 && q.tasks.Len() >= q.maxDepth {
		if q.room == nil {
			q.room = make(chan struct{})
		}
		room := q.room
		q.mu.Unlock()
		return room, ErrFull
	}
	q.tasks.PushBack(it)
	depth := q.tasks.Len()
	q.signal()
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
	return nil, nil
}

// freeRoom wakes writers waiting for room. It must be called with mu held.
func (q *Queue) freeRoom() {
	if q.room != nil {
		close(q.room)
		q.room = nil
	}
}

// signal must be called with mu held.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) next() (item, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.tasks.PopFront()
	if !ok {
		return item{}, false, q.closed
	}
	q.freeRoom()
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.tasks.Len()))
	return v.(item), true, false
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		it, ok, closed := q.next()
		if !ok {
			if closed {
				return
			}
			<-q.wake
			continue
		}
		q.execute(it)
	}
}

func (q *Queue) execute(it item) {
	err := q.call(it.task)
	if err != nil {
		q.onFailure(err)
	}
	if it.handle != nil {
		it.handle.err = err
		close(it.handle.done)
	}
}

func (q *Queue) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: task panicked: %v", r)
		}
	}()
	return task(q.ctx)
}

// Handle resolves with the outcome of one fetched task.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx ends. The task itself keeps
// running if ctx ends first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
