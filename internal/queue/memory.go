package queue

import (
	"context"
	"time"
)

// MemoryQueue is a channel-backed Queue for tests and single-node runs.
type MemoryQueue struct {
	ch chan string
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan string, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (string, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case jobID := <-q.ch:
		return jobID, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}
