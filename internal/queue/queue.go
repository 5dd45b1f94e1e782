package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Enqueue never blocks; Dequeue waits for an item
// or for ctx to be done. Any number of producers may enqueue, but each domain
// runs exactly one consumer so items are handled strictly in order.
type Queue[T any] struct {
	name string

	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// New returns an empty queue. name labels the domain it serves.
func New[T any](name string) *Queue[T] {
	return &Queue[T]{
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// Name returns the domain the queue serves.
func (q *Queue[T]) Name() string {
	return q.name
}

// Enqueue appends item and wakes a waiting consumer.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest item. It returns ctx.Err() if ctx
// is done before an item is available.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of items waiting.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
