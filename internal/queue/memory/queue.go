// Package memory provides the in-process task queue used by the sweeper.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pinstash/engine/internal/engine"
)

// ErrClosed is returned by Dequeue after Close drains the queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan engine.CacheTask
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan engine.CacheTask, capacity),
	}
}

// Enqueue pushes a cache task or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task engine.CacheTask) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (engine.CacheTask, error) {
	select {
	case <-ctx.Done():
		return engine.CacheTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return engine.CacheTask{}, ErrClosed
		}
		return task, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
