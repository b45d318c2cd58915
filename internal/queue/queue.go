// Package queue holds the bounded in-memory FIFO of reservations waiting
// for the next batch tick. Entries live here only between enqueue and
// processing; nothing is persisted.
package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned when an enqueue would exceed the configured cap.
// Handlers surface it as 503 with a Retry-After hint.
var ErrQueueFull = errors.New("reservation queue is full")

// Entry is one pending reservation. Attempts counts processing attempts
// already made; it is zero for fresh enqueues and grows on requeue.
type Entry struct {
	ReservationID int64
	UserID        string
	ISBN          string
	EnqueuedAt    time.Time
	Attempts      int
}

// Queue is a bounded FIFO safe for concurrent producers. Drains are
// serialized by the batcher, which is the only consumer.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// New creates a queue rejecting enqueues beyond max entries.
func New(max int) *Queue {
	return &Queue{max: max}
}

// Enqueue appends an entry, failing fast with ErrQueueFull at capacity.
func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.max {
		return ErrQueueFull
	}
	q.entries = append(q.entries, e)
	return nil
}

// Requeue prepends an entry for retry on the next tick. A retried entry
// already held its capacity slot when first admitted, so Requeue is exempt
// from the cap.
func (q *Queue) Requeue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]Entry{e}, q.entries...)
}

// Drain removes and returns up to maxN entries in FIFO order.
func (q *Queue) Drain(maxN int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := maxN
	if n > len(q.entries) {
		n = len(q.entries)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]Entry, n)
	copy(batch, q.entries[:n])
	q.entries = q.entries[n:]
	return batch
}

// Depth returns the current number of pending entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
