// Package async wraps a sink with a bounded queue so slow sinks never hold
// up pipeline workers. When the queue is full the oldest event is dropped.
package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// ErrClosed is returned by Write and Flush after Close.
var ErrClosed = errors.New("async sink is closed")

// AsyncSinkOption configures the async sink.
type AsyncSinkOption func(*asyncSinkConfig)

type asyncSinkConfig struct {
	queueSize    int
	writeTimeout time.Duration
	onDropped    func(count int)
	onError      func(error)
}

// WithQueueSize sets the maximum number of queued events (default: 1000).
func WithQueueSize(size int) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithWriteTimeout bounds each delivery to the inner sink (default: 5s).
func WithWriteTimeout(d time.Duration) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithOnDropped sets a callback invoked when events are dropped due to queue overflow.
func WithOnDropped(fn func(count int)) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		c.onDropped = fn
	}
}

// WithOnError sets a callback for errors returned by the inner sink.
func WithOnError(fn func(error)) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		c.onError = fn
	}
}

type asyncSink struct {
	inner advisor.Sink
	cfg   asyncSinkConfig
	queue chan advisor.AdviceEvent

	// pending counts events accepted but not yet delivered or dropped.
	pending atomic.Int64

	// mu guards closed and the queue close; senders hold it for reading.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink wraps a sink with a bounded queue.
// Write returns immediately; one background goroutine delivers events in
// order to the inner sink.
func NewAsyncSink(inner advisor.Sink, opts ...AsyncSinkOption) advisor.Sink {
	cfg := asyncSinkConfig{
		queueSize:    1000,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &asyncSink{
		inner: inner,
		cfg:   cfg,
		queue: make(chan advisor.AdviceEvent, cfg.queueSize),
		done:  make(chan struct{}),
	}
	go s.processLoop()
	return s
}

func (s *asyncSink) processLoop() {
	defer close(s.done)
	for event := range s.queue {
		s.deliver(event)
	}
}

func (s *asyncSink) deliver(event advisor.AdviceEvent) {
	defer s.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.report(errors.New("async sink: inner sink panicked"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.writeTimeout)
	defer cancel()
	if err := s.inner.Write(ctx, event); err != nil {
		s.report(err)
	}
}

func (s *asyncSink) report(err error) {
	if s.cfg.onError != nil {
		s.cfg.onError(err)
	}
}

func (s *asyncSink) dropped(n int) {
	s.pending.Add(int64(-n))
	if s.cfg.onDropped != nil {
		s.cfg.onDropped(n)
	}
}

// Write enqueues an event. If the queue is full the oldest queued event is
// dropped to make room.
func (s *asyncSink) Write(ctx context.Context, event advisor.AdviceEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	s.pending.Add(1)
	select {
	case s.queue <- event:
		return nil
	default:
	}

	select {
	case <-s.queue:
		s.dropped(1)
	default:
		// drained by the processor in the meantime
	}

	select {
	case s.queue <- event:
	default:
		s.dropped(1)
	}
	return nil
}

// Flush waits until every accepted event has been delivered, then flushes
// the inner sink.
func (s *asyncSink) Flush(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return s.inner.Flush(ctx)
}

// Close delivers everything still queued, then closes the inner sink.
func (s *asyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.inner.Close()
}
