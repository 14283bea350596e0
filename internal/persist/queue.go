// Package persist runs durable-store writes off the synchronous path.
// In-memory state is applied first and is always authoritative; the
// queue mirrors it to storage best-effort. A failed or dropped write is
// logged and never surfaces to the operation that triggered it.
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultQueueSize bounds how many writes may be pending before
	// new ones are dropped.
	DefaultQueueSize = 1024

	// writeTimeout bounds a single durable write.
	writeTimeout = 10 * time.Second
)

type job struct {
	name string
	fn   func(context.Context) error
}

// Queue is a single background worker draining best-effort writes.
type Queue struct {
	jobs   chan job
	logger *zap.Logger

	// Guards closed against Enqueue racing Close: a WebSocket session
	// can outlive the HTTP listener during shutdown and still produce
	// writes.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates the queue and starts its worker.
func NewQueue(size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		jobs:   make(chan job, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue hands a write to the background worker. It never blocks and
// never panics: when the queue is full, or already closed, the write is
// dropped and logged, leaving in-memory state untouched.
func (q *Queue) Enqueue(name string, fn func(context.Context) error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("persistence queue closed, dropping write", zap.String("op", name))
		return
	}
	select {
	case q.jobs <- job{name: name, fn: fn}:
	default:
		q.logger.Warn("persistence queue full, dropping write", zap.String("op", name))
	}
}

// Close stops accepting writes, drains what is already queued, and
// waits for the worker to finish. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for j := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.fn(ctx); err != nil {
			q.logger.Warn("durable write failed",
				zap.String("op", j.name),
				zap.Error(err))
		}
		cancel()
	}
}
