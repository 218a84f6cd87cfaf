package queue

import (
	"context"
	"time"
)

// Queue is the wake-up channel between producers and listeners. It carries job
// ids only; the job store stays the source of truth for claims, so a dropped
// or duplicated wake-up is harmless.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks up to wait for the next job id. ok is false on an
	// empty queue.
	Dequeue(ctx context.Context, wait time.Duration) (jobID string, ok bool, err error)
}
