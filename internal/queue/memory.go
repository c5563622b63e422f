package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a buffered channel. Suitable for a single process.
type MemoryQueue struct {
	ch      chan Message
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	sending sync.WaitGroup
}

// NewMemoryQueue creates a queue holding up to size pending messages.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Message, size), done: make(chan struct{})}
}

// Publish blocks while the buffer is full. A blocked Publish returns
// ErrClosed when the queue is closed.
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if _, err := msg.encode(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.sending.Add(1)
	q.mu.Unlock()
	defer q.sending.Done()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case q.ch <- msg:
		return nil
	}
}

// Consume returns when ctx is done or the queue is closed and drained.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for range workerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close stops accepting messages. Consumers drain what is buffered.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.sending.Wait()
	close(q.ch)
	return nil
}
