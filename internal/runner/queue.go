package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push or Pull after Close.
var ErrQueueClosed = errors.New("task queue is closed")

type (
	// Sink is the producer end of the task queue. The dispatcher pushes one
	// envelope per pending row. Delivery is at-least-once and non-persistent;
	// envelopes lost to a restart are recovered by the retry planner.
	Sink interface {
		Push(ctx context.Context, task Task) error
		Close() error
	}

	// Source is the consumer end. Each worker blocks on Pull.
	Source interface {
		Pull(ctx context.Context) (Task, error)
		Close() error
	}
)

// MemoryQueue is a channel-backed queue implementing both Sink and Source.
// It backs unit tests and single-process deployments where the API and the
// workers share one process.
type MemoryQueue struct {
	tasks     chan Task
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryQueue creates an in-memory queue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		tasks:  make(chan Task, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues a task, blocking while the buffer is full.
func (q *MemoryQueue) Push(ctx context.Context, task Task) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull dequeues the next task, blocking while the queue is empty.
func (q *MemoryQueue) Pull(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-q.closed:
		// Drain what was enqueued before the close.
		select {
		case task := <-q.tasks:
			return task, nil
		default:
			return Task{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Len reports the number of buffered tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Close stops the queue. Safe to call multiple times.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})

	return nil
}

// Compile-time interface assertions.
var (
	_ Sink   = (*MemoryQueue)(nil)
	_ Source = (*MemoryQueue)(nil)
)
