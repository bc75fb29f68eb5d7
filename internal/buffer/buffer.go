// Package buffer provides a bounded ring of the most recent items.
package buffer

import "sync"

// Queue is a thread-safe ring buffer. Once full, each Push overwrites the
// oldest item.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	start int
	count int
}

// New returns a Queue retaining at most capacity items (minimum 1).
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make([]T, capacity)}
}

func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count < len(q.items) {
		q.items[(q.start+q.count)%len(q.items)] = item
		q.count++
		return
	}
	q.items[q.start] = item
	q.start = (q.start + 1) % len(q.items)
}

// Snapshot returns a copy of the retained items, oldest first.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, q.count)
	for i := range out {
		out[i] = q.items[(q.start+i)%len(q.items)]
	}
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue[T]) Capacity() int {
	return len(q.items)
}
