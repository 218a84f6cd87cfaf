package models

import "time"

type TakeoverStatus string

const (
	TakeoverWaiting  TakeoverStatus = "waiting"
	TakeoverAnswered TakeoverStatus = "answered"
	TakeoverTimedOut TakeoverStatus = "timed_out"
)

// TakeoverRequest is one outstanding need-for-human-input event. At most one
// waiting request exists per session.
type TakeoverRequest struct {
	SessionID string         `json:"session_id"`
	JobID     string         `json:"job_id"`
	Target    string         `json:"target"`
	Reason    string         `json:"reason"`
	Status    TakeoverStatus `json:"status"`
	Reply     string         `json:"reply,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is one turn of a session's conversation with the decision service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResumePoint is the minimum serialized state needed to continue a suspended
// session: rehydrating it must restore step count and history exactly.
type ResumePoint struct {
	SessionID string    `json:"session_id"`
	JobID     string    `json:"job_id"`
	Target    string    `json:"target"`
	SlotID    string    `json:"slot_id"`
	Task      string    `json:"task"`
	StepCount int       `json:"step_count"`
	History   []Message `json:"history"`
	// PendingPrompt is the prompt that was in flight when the session
	// suspended; the reply is appended to it on resume.
	PendingPrompt string    `json:"pending_prompt"`
	SuspendedAt   time.Time `json:"suspended_at"`
}
