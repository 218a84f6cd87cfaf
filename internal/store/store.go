package store

import (
	"context"
	"time"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// JobStore is the durable job backlog. ClaimNext must be safe under multiple
// concurrent listeners: exactly one of them wins a given pending job.
type JobStore interface {
	SaveJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	// ClaimNext atomically moves the oldest pending job to claimed and
	// returns it. ok is false when the backlog is empty.
	ClaimNext(ctx context.Context) (job models.Job, ok bool, err error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error
	FailJob(ctx context.Context, id, errMsg string) error
	// ReclaimStale returns claimed/running jobs older than the cutoff to
	// pending so another listener can pick them up. Dispatch is therefore
	// at-least-once; result persistence stays exactly-once per job id.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)
}

// ResultStore persists final job records, exactly once per job id.
type ResultStore interface {
	// SaveResult rejects a second write for the same job with
	// models.ErrResultExists.
	SaveResult(ctx context.Context, result *models.JobResult) error
	GetResult(ctx context.Context, jobID string) (*models.JobResult, error)
}

// TakeoverStore owns suspended-session state. Creation is atomic per session:
// a second waiting request for the same session fails with
// models.ErrTakeoverConflict.
type TakeoverStore interface {
	CreateTakeover(ctx context.Context, req models.TakeoverRequest, rp models.ResumePoint) error
	GetTakeover(ctx context.Context, sessionID string) (models.TakeoverRequest, error)
	GetResumePoint(ctx context.Context, sessionID string) (models.ResumePoint, error)
	// AnswerTakeover moves a waiting request to answered with the reply.
	AnswerTakeover(ctx context.Context, sessionID, reply string) error
	// ExpireTakeover moves a waiting request to timed_out.
	ExpireTakeover(ctx context.Context, sessionID string) error
	// DeleteTakeover consumes the request and resume point once the session
	// resumed or reached a terminal state.
	DeleteTakeover(ctx context.Context, sessionID string) error
	// ListWaiting returns every request still waiting for a reply, oldest
	// first, for operator frontends.
	ListWaiting(ctx context.Context) ([]models.TakeoverRequest, error)
	// ExpireOlderThan times out every waiting request created before the
	// cutoff. Covers suspended sessions whose caller never came back.
	ExpireOlderThan(ctx context.Context, olderThan time.Time) (int, error)
}

// Store is the full persistence surface the worker needs.
type Store interface {
	JobStore
	ResultStore
	TakeoverStore
}
