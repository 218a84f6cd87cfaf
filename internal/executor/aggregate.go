package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// Finalize merges the participant outcomes into the job's final record and
// persists it exactly once. Job-level success follows the configured policy
// (any participant by default, all of them with RequireAllOK); partial
// success is never hidden because every outcome is recorded as-is.
func (e *Executor) Finalize(ctx context.Context, job models.Job, outcomes []models.ParticipantOutcome, total time.Duration) (*models.JobResult, error) {
	succeededCount := 0
	for _, o := range outcomes {
		if o.Status == models.ParticipantSucceeded {
			succeededCount++
		}
	}

	succeeded := succeededCount > 0
	if e.cfg.RequireAllOK {
		succeeded = succeededCount == len(outcomes)
	}

	result := &models.JobResult{
		JobID:        job.ID,
		Succeeded:    succeeded,
		Participants: outcomes,
		TotalTime:    total,
		CreatedAt:    time.Now(),
	}

	if err := e.store.SaveResult(ctx, result); err != nil {
		if errors.Is(err, models.ErrResultExists) {
			// A re-dispatched job already produced its record; the first
			// write wins and this run's outcomes are discarded. The job
			// status still has to land on the stored verdict, or a crash
			// between the result write and the status update would leave
			// the job claimed and re-run forever.
			e.log.Warn().Str("job", job.ID).Msg("job result already written, keeping first record")
			stored, err := e.store.GetResult(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			status := models.JobDone
			if !stored.Succeeded {
				status = models.JobFailed
			}
			if err := e.store.UpdateJobStatus(ctx, job.ID, status); err != nil {
				return nil, err
			}
			return stored, nil
		}
		return nil, fmt.Errorf("persist job result: %w", err)
	}

	status := models.JobDone
	if !succeeded {
		status = models.JobFailed
	}
	if err := e.store.UpdateJobStatus(ctx, job.ID, status); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("job", job.ID).
		Bool("succeeded", succeeded).
		Int("participants", len(outcomes)).
		Dur("total", total).
		Msg("job finalized")
	return result, nil
}
