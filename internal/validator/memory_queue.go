package validator

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue backs the queue with a channel, the single-process default.
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue creates a buffered in-memory queue.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish implements Producer.
func (q *MemoryQueue) Publish(ctx context.Context, requestID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("queue is closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- requestID:
		return nil
	}
}

// Consume implements Consumer.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, job JobFunc) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case requestID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = job(ctx, requestID)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close shuts the queue down.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
