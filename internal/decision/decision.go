package decision

import (
	"context"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// Outcome is the tagged result of one decision step. Exactly one variant
// applies; callers switch on Kind instead of catching control-flow errors.
type OutcomeKind string

const (
	// OutcomeAction: execute Action on the slot and continue the loop.
	OutcomeAction OutcomeKind = "action"
	// OutcomeTerminal: the task is finished; Message is the final output.
	OutcomeTerminal OutcomeKind = "terminal"
	// OutcomeNeedsTakeover: the session cannot proceed without human input;
	// Message carries the reason shown to the operator.
	OutcomeNeedsTakeover OutcomeKind = "needs_takeover"
)

type Outcome struct {
	Kind     OutcomeKind
	Action   string
	Message  string
	Thinking string
}

// StepContext is the full context resent on every call; the service is not
// assumed to keep state between steps.
type StepContext struct {
	History []models.Message
	Screen  string
}

// Client is the synchronous one-step contract with the decision service.
type Client interface {
	Step(ctx context.Context, sc StepContext) (Outcome, error)
}
