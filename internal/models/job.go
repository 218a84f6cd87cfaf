package models

import "time"

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobClaimed JobStatus = "claimed"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// ParticipantSpec names one integration target plus the task parameters for it.
type ParticipantSpec struct {
	Target string            `json:"target"`
	Task   string            `json:"task"`
	Params map[string]string `json:"params,omitempty"`
}

type Job struct {
	ID           string            `json:"id"`
	Keyword      string            `json:"keyword"`
	Participants []ParticipantSpec `json:"participants"`
	Status       JobStatus         `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "pending"
	ParticipantRunning   ParticipantStatus = "running"
	ParticipantSuspended ParticipantStatus = "suspended"
	ParticipantSucceeded ParticipantStatus = "succeeded"
	ParticipantFailed    ParticipantStatus = "failed"
)

// ParticipantOutcome is the terminal record of one participant. Fields is the
// extractor output and stays nil when extraction produced nothing.
type ParticipantOutcome struct {
	Target    string            `json:"target"`
	SlotID    string            `json:"slot_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Status    ParticipantStatus `json:"status"`
	Steps     int               `json:"steps"`
	Output    string            `json:"output,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Error     string            `json:"error,omitempty"`
}
