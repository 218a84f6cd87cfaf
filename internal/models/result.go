package models

import "time"

// JobResult is the final per-job record. It is written exactly once and never
// mutated afterwards; partial success is visible through the per-participant
// outcomes rather than hidden behind the job-level flag.
type JobResult struct {
	JobID        string               `json:"job_id"`
	Succeeded    bool                 `json:"succeeded"`
	Participants []ParticipantOutcome `json:"participants"`
	TotalTime    time.Duration        `json:"total_time"`
	CreatedAt    time.Time            `json:"created_at"`
}
