// Package session runs the live step loop of one participant and owns the
// suspend/resume state machine around it.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ucloud/orderwise-agent/internal/decision"
	"github.com/ucloud/orderwise-agent/internal/models"
	"github.com/ucloud/orderwise-agent/internal/store"
)

// Transport is the slot execute primitive the session drives. It matches
// pool.Transport; redeclared here so the session does not depend on the pool.
type Transport interface {
	Exec(ctx context.Context, addr, input string) (string, error)
}

// observeInput asks the slot for its current screen state.
const observeInput = "observe"

// Pending is returned from Run under the synchronous takeover protocol: the
// session suspended, its resume point is persisted, and the caller must come
// back with Resume(sessionID, reply).
type Pending struct {
	SessionID string
	Reason    string
}

func (p *Pending) Error() string {
	return fmt.Sprintf("session %s suspended: %s", p.SessionID, p.Reason)
}

type Config struct {
	MaxSteps    int
	StepRetries int
	// StepRetryBase scales the linear backoff between decision retries.
	StepRetryBase time.Duration
	// SuspendTimeout bounds how long a waiting takeover request may stay
	// unanswered before the participant fails with ErrTakeoverExpired.
	SuspendTimeout time.Duration
	// TakeoverPoll is the interval for checking the request store while
	// suspended in asynchronous mode.
	TakeoverPoll time.Duration
	// SyncTakeover switches to the synchronous protocol: Run returns a
	// *Pending instead of waiting for the reply itself.
	SyncTakeover bool
	// TakeoverMarkers force a suspension when the decision output mentions
	// them, e.g. captcha or login walls the model cannot pass.
	TakeoverMarkers []string
}

// DefaultMarkers are the screen situations that always need a human.
var DefaultMarkers = []string{"captcha", "human verification", "login required", "privacy policy"}

type Deps struct {
	Decision  decision.Client
	Transport Transport
	Takeovers store.TakeoverStore
	Log       zerolog.Logger
}

// Session is the execution context of one participant. It is owned by a
// single goroutine; no internal locking.
type Session struct {
	ID     string
	JobID  string
	Target string
	Task   string
	Slot   models.Slot

	deps Deps
	cfg  Config

	history []models.Message
	steps   int
	status  models.ParticipantStatus
	log     zerolog.Logger
}

func New(id, jobID, target, task string, slot models.Slot, deps Deps, cfg Config) *Session {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 100
	}
	if cfg.StepRetries <= 0 {
		cfg.StepRetries = 3
	}
	if cfg.TakeoverPoll <= 0 {
		cfg.TakeoverPoll = 2 * time.Second
	}
	if cfg.StepRetryBase <= 0 {
		cfg.StepRetryBase = time.Second
	}
	if cfg.TakeoverMarkers == nil {
		cfg.TakeoverMarkers = DefaultMarkers
	}
	return &Session{
		ID:     id,
		JobID:  jobID,
		Target: target,
		Task:   task,
		Slot:   slot,
		deps:   deps,
		cfg:    cfg,
		status: models.ParticipantPending,
		log: deps.Log.With().
			Str("session", id).
			Str("target", target).
			Logger(),
	}
}

func (s *Session) Steps() int                       { return s.steps }
func (s *Session) Status() models.ParticipantStatus { return s.status }

// Run executes the step loop until the task finishes, fails, or suspends.
func (s *Session) Run(ctx context.Context) (string, error) {
	s.status = models.ParticipantRunning
	s.history = append(s.history, models.Message{Role: "user", Content: s.Task})
	return s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) (string, error) {
	for s.steps < s.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			s.status = models.ParticipantFailed
			return "", err
		}

		screen, err := s.deps.Transport.Exec(ctx, s.Slot.Addr, observeInput)
		if err != nil {
			s.status = models.ParticipantFailed
			if cerr := ctx.Err(); cerr != nil {
				return "", cerr
			}
			return "", fmt.Errorf("%w: observe on slot %s: %v", models.ErrTargetUnreachable, s.Slot.ID, err)
		}

		outcome, err := s.stepWithRetry(ctx, screen)
		if err != nil {
			s.status = models.ParticipantFailed
			return "", err
		}
		s.steps++

		if outcome.Kind == decision.OutcomeAction && s.hitsMarker(outcome) {
			outcome = decision.Outcome{
				Kind:    decision.OutcomeNeedsTakeover,
				Message: fmt.Sprintf("screen needs a human: %s", outcome.Action),
			}
		}

		switch outcome.Kind {
		case decision.OutcomeTerminal:
			s.history = append(s.history, models.Message{Role: "assistant", Content: outcome.Message})
			s.status = models.ParticipantSucceeded
			s.log.Info().Int("steps", s.steps).Msg("session finished")
			return outcome.Message, nil

		case decision.OutcomeNeedsTakeover:
			reply, err := s.suspend(ctx, outcome.Message)
			if err != nil {
				return "", err
			}
			// Back to running with the operator's reply in context;
			// step count and history continue where they stopped.
			s.history = append(s.history, models.Message{
				Role:    "user",
				Content: fmt.Sprintf("The operator completed the requested step (%s). Continue the task.", reply),
			})

		case decision.OutcomeAction:
			if _, err := s.deps.Transport.Exec(ctx, s.Slot.Addr, outcome.Action); err != nil {
				s.status = models.ParticipantFailed
				if cerr := ctx.Err(); cerr != nil {
					return "", cerr
				}
				return "", fmt.Errorf("%w: exec on slot %s: %v", models.ErrTargetUnreachable, s.Slot.ID, err)
			}
			s.history = append(s.history, models.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("<think>%s</think><answer>%s</answer>", outcome.Thinking, outcome.Action),
			})
		}
	}

	s.status = models.ParticipantFailed
	return "", fmt.Errorf("max steps (%d) reached", s.cfg.MaxSteps)
}

func (s *Session) stepWithRetry(ctx context.Context, screen string) (decision.Outcome, error) {
	sc := decision.StepContext{History: s.history, Screen: screen}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.StepRetries; attempt++ {
		outcome, err := s.deps.Decision.Step(ctx, sc)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		s.log.Warn().Int("attempt", attempt).Err(err).Msg("decision step failed")

		timer := time.NewTimer(time.Duration(attempt) * s.cfg.StepRetryBase)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return decision.Outcome{}, ctx.Err()
		}
	}
	return decision.Outcome{}, &models.StepError{Attempts: s.cfg.StepRetries, Err: lastErr}
}

func (s *Session) hitsMarker(outcome decision.Outcome) bool {
	text := strings.ToLower(outcome.Thinking + " " + outcome.Action + " " + outcome.Message)
	for _, marker := range s.cfg.TakeoverMarkers {
		if strings.Contains(text, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
