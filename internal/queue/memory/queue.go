// Package memory provides the in-process results queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/battlewatch/tracker/internal/tracker"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("results queue is closed")

// Queue is a bounded in-memory results queue with context-aware operations.
// Multiple ingest workers dequeue concurrently; no ordering is guaranteed
// across consumers.
type Queue struct {
	ch     chan tracker.Result
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan tracker.Result, capacity),
	}
}

// Enqueue pushes a result into the queue or returns if the context ends.
// After Close it returns ErrClosed. The read lock is held for the duration of
// the send so Close cannot close the channel under a parked sender.
func (q *Queue) Enqueue(ctx context.Context, res tracker.Result) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- res:
		return nil
	}
}

// Dequeue pops the next result, respecting context cancellation. Once the
// queue has been closed and drained, it reports ok=false.
func (q *Queue) Dequeue(ctx context.Context) (tracker.Result, bool, error) {
	select {
	case <-ctx.Done():
		return tracker.Result{}, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case res, open := <-q.ch:
		if !open {
			return tracker.Result{}, false, nil
		}
		return res, true, nil
	}
}

// Depth reports the number of results currently buffered.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Close stops accepting new results and waits out any in-flight Enqueue
// before closing the channel. Buffered results remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
