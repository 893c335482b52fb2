package dispatch

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
)

// Queue is an unbounded FIFO of payloads shared by one producer side and
// several dispatcher loops.
type Queue struct {
	mu            sync.Mutex
	items         []batch.Payload
	notifications int
	signal        chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends payloads without blocking.
func (q *Queue) Push(payloads ...batch.Payload) {
	if len(payloads) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, payloads...)
	for _, p := range payloads {
		q.notifications += p.Size()
	}
	q.mu.Unlock()
	q.wake()
}

// Pop blocks until a payload is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (batch.Payload, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = batch.Payload{}
			q.items = q.items[1:]
			q.notifications -= p.Size()
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Pass the wakeup on so other waiting loops see the rest.
				q.wake()
			}
			return p, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return batch.Payload{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len is the number of queued payloads.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notifications is the number of notifications covered by queued payloads.
func (q *Queue) Notifications() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifications
}

// Empty reports whether nothing is queued.
func (q *Queue) Empty() bool { return q.Len() == 0 }

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything still queued.
func (q *Queue) Drain() []batch.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.notifications = 0
	return out
}
