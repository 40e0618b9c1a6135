// Package queue provides the bounded analysis queue. Entries carry only a
// fingerprint and attempt bookkeeping; the event payload stays in the advice
// cache. Enqueue never blocks: once the queue is full new entries are rejected
// and counted, which is the pipeline's primary backpressure mechanism.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrFull is returned by TryEnqueue when the queue is at capacity.
	ErrFull = errors.New("queue: full")

	// ErrClosed is returned by TryEnqueue after Close.
	ErrClosed = errors.New("queue: closed")
)

// Entry is a pending unit of analysis work.
type Entry struct {
	Fingerprint  string
	EnqueuedAt   time.Time
	AttemptCount int
}

// Queue is a bounded FIFO safe for concurrent producers and consumers.
type Queue struct {
	ch chan Entry

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once

	enqueued atomic.Int64
	rejected atomic.Int64
}

// New creates a queue holding at most maxSize entries (minimum 1).
func New(maxSize int) *Queue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Queue{ch: make(chan Entry, maxSize)}
}

// TryEnqueue adds e without blocking.
func (q *Queue) TryEnqueue(e Entry) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- e:
		q.enqueued.Add(1)
		return nil
	default:
		q.rejected.Add(1)
		return ErrFull
	}
}

// Entries is the receive side for consumers. It is closed by Close once
// producers are locked out; buffered entries remain readable.
func (q *Queue) Entries() <-chan Entry {
	return q.ch
}

// Len returns the current depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the configured maximum size.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Enqueued returns the number of accepted entries, including re-enqueues.
func (q *Queue) Enqueued() int64 {
	return q.enqueued.Load()
}

// Rejected returns the number of entries refused because the queue was full.
func (q *Queue) Rejected() int64 {
	return q.rejected.Load()
}

// Close stops accepting entries. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closeMu.Lock()
		q.closed = true
		close(q.ch)
		q.closeMu.Unlock()
	})
}
