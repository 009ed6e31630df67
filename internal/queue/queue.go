// Package queue provides the per-connection FIFO used to decouple producers
// from a single draining consumer.
//
// A Queue never blocks on Push. By default it is unbounded; when created with
// a positive limit it drops the oldest queued item to make room for a new one.
package queue

import "sync"

// Queue is a multi-producer, single-consumer FIFO.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	limit   int
	closed  bool
	dropped uint64

	ready chan struct{} // cap 1, signalled on push and close
	done  chan struct{} // closed on Close
}

// New returns an empty queue. A limit <= 0 means unbounded.
func New[T any](limit int) *Queue[T] {
	if limit < 0 {
		limit = 0
	}
	return &Queue[T]{
		limit: limit,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends v. It reports ok=false if the queue has been closed, in which
// case v is discarded. When the queue is bounded and full, the oldest item is
// discarded to make room, reported as evicted and counted in Dropped.
func (q *Queue[T]) Push(v T) (ok, evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if q.limit > 0 && q.lenLocked() >= q.limit {
		var zero T
		q.items[q.head] = zero
		q.head++
		q.dropped++
		evicted = true
		q.compactLocked()
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
	return true, evicted
}

// Pop removes and returns the oldest item without blocking.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.lenLocked() == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		// fully drained, reuse the backing array
		q.items = q.items[:0]
		q.head = 0
	} else {
		q.compactLocked()
	}
	return v, true
}

// Ready returns a channel that receives a value whenever items may be
// available or the queue was closed. Consumers should Pop until empty after
// each receive.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Done is closed once Close has been called.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Close marks the queue closed. Items already queued remain poppable.
// Calling Close more than once is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len is the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped is the number of items discarded by the drop-oldest policy.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// compactLocked shifts live items to the front once the consumed prefix
// dominates the backing array.
func (q *Queue[T]) compactLocked() {
	if q.head <= 64 || q.head*2 < len(q.items) {
		return
	}
	n := copy(q.items, q.items[q.head:])
	clear(q.items[n:])
	q.items = q.items[:n]
	q.head = 0
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
