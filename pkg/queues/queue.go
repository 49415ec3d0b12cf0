// Package queues provides the FIFO hand-off between a feed producer (live
// transport or replay) and the single state reconciler consumer.
package queues

import (
	"context"
	"time"
)

// Queue is a bounded FIFO channel. Push blocks while the queue is full so a
// slow consumer applies backpressure to the producer; Pop blocks with a
// timeout so the consumer can observe cancellation promptly.
type Queue[T any] struct {
	ch chan T
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues x, giving up if ctx is cancelled first.
func (q *Queue[T]) Push(ctx context.Context, x T) error {
	select {
	case q.ch <- x:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues x only if there is room.
func (q *Queue[T]) TryPush(x T) bool {
	select {
	case q.ch <- x:
		return true
	default:
		return false
	}
}

// Pop dequeues one item, waiting at most timeout. The second return reports
// whether an item was received.
func (q *Queue[T]) Pop(timeout time.Duration) (T, bool) {
	select {
	case x := <-q.ch:
		return x, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}
