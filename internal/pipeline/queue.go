package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by Pop once a closed queue is empty.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded single-producer single-consumer queue that never
// blocks the producer: pushing into a full queue evicts the oldest item.
type Queue[T any] struct {
	name     string
	capacity int

	mu     sync.Mutex
	items  []T
	closed bool

	// notify holds at most one pending wakeup for the consumer.
	notify chan struct{}
	drops  atomic.Uint64
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		name:     name,
		capacity: capacity,
		items:    make([]T, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Name returns the queue name used in stats and metrics.
func (q *Queue[T]) Name() string { return q.name }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return q.capacity }

// Push appends v, evicting the oldest item when full. The evicted item is
// returned with evicted set. Pushing to a closed queue discards v.
func (q *Queue[T]) Push(v T) (old T, evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return old, false
	}
	if len(q.items) == q.capacity {
		old = q.items[0]
		var zero T
		q.items[0] = zero
		q.items = append(q.items[:0], q.items[1:]...)
		evicted = true
		q.drops.Add(1)
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.wake()
	return old, evicted
}

// Pop removes the oldest item. It waits at most wait for one to arrive and
// returns ok=false on timeout. A closed queue keeps yielding its remaining
// items, then ErrQueueClosed.
func (q *Queue[T]) Pop(ctx context.Context, wait time.Duration) (v T, ok bool, err error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = append(q.items[:0], q.items[1:]...)
			q.mu.Unlock()
			return v, true, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return v, false, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return v, false, nil
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Close marks the end of the stream. Items already queued can still be
// popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drops returns how many items have been evicted.
func (q *Queue[T]) Drops() uint64 {
	return q.drops.Load()
}

// Discard empties the queue and returns how many items were removed.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
