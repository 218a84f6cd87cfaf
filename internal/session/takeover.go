package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ucloud/orderwise-agent/internal/models"
	"github.com/ucloud/orderwise-agent/internal/store"
)

// suspend persists the resume point, opens the takeover request, and either
// hands control back to the caller (sync protocol) or polls for the reply
// (async protocol). On success it returns the operator's reply.
func (s *Session) suspend(ctx context.Context, reason string) (string, error) {
	now := time.Now()
	rp := models.ResumePoint{
		SessionID:     s.ID,
		JobID:         s.JobID,
		Target:        s.Target,
		SlotID:        s.Slot.ID,
		Task:          s.Task,
		StepCount:     s.steps,
		History:       append([]models.Message(nil), s.history...),
		PendingPrompt: reason,
		SuspendedAt:   now,
	}
	req := models.TakeoverRequest{
		SessionID: s.ID,
		JobID:     s.JobID,
		Target:    s.Target,
		Reason:    reason,
		Status:    models.TakeoverWaiting,
		CreatedAt: now,
	}
	if err := s.deps.Takeovers.CreateTakeover(ctx, req, rp); err != nil {
		s.status = models.ParticipantFailed
		return "", fmt.Errorf("persist takeover: %w", err)
	}

	s.status = models.ParticipantSuspended
	s.log.Info().Str("reason", reason).Msg("session suspended for takeover")

	if s.cfg.SyncTakeover {
		return "", &Pending{SessionID: s.ID, Reason: reason}
	}
	return s.awaitReply(ctx)
}

// awaitReply polls the takeover store until the request is answered or the
// suspension timeout passes. Expiry is recorded, never silent.
func (s *Session) awaitReply(ctx context.Context) (string, error) {
	deadline := time.Now().Add(s.cfg.SuspendTimeout)
	ticker := time.NewTicker(s.cfg.TakeoverPoll)
	defer ticker.Stop()

	for {
		req, err := s.deps.Takeovers.GetTakeover(ctx, s.ID)
		if err != nil {
			s.status = models.ParticipantFailed
			return "", fmt.Errorf("poll takeover: %w", err)
		}
		switch req.Status {
		case models.TakeoverAnswered:
			if err := s.deps.Takeovers.DeleteTakeover(ctx, s.ID); err != nil {
				s.log.Warn().Err(err).Msg("consume answered takeover")
			}
			s.status = models.ParticipantRunning
			s.log.Info().Msg("takeover answered, session resuming")
			return req.Reply, nil
		case models.TakeoverTimedOut:
			s.status = models.ParticipantFailed
			return "", fmt.Errorf("%w: session %s", models.ErrTakeoverExpired, s.ID)
		}

		if s.cfg.SuspendTimeout > 0 && time.Now().After(deadline) {
			if err := s.deps.Takeovers.ExpireTakeover(ctx, s.ID); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
				s.log.Warn().Err(err).Msg("expire takeover")
			}
			s.status = models.ParticipantFailed
			return "", fmt.Errorf("%w: session %s after %s", models.ErrTakeoverExpired, s.ID, s.cfg.SuspendTimeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			// The job-level clock won; the waiting request must not be
			// left dangling.
			expireCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.deps.Takeovers.ExpireTakeover(expireCtx, s.ID); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
				s.log.Warn().Err(err).Msg("expire takeover on cancellation")
			}
			cancel()
			s.status = models.ParticipantFailed
			return "", ctx.Err()
		}
	}
}

// Rehydrate rebuilds a suspended session from its persisted resume point. The
// restored step count and history are exactly the pre-suspension state; no
// step is replayed or skipped.
func Rehydrate(ctx context.Context, takeovers store.TakeoverStore, sessionID string, slot models.Slot, deps Deps, cfg Config) (*Session, error) {
	rp, err := takeovers.GetResumePoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if slot.ID != rp.SlotID {
		return nil, fmt.Errorf("resume point for session %s names slot %s, got %s", sessionID, rp.SlotID, slot.ID)
	}

	s := New(rp.SessionID, rp.JobID, rp.Target, rp.Task, slot, deps, cfg)
	s.history = append([]models.Message(nil), rp.History...)
	s.steps = rp.StepCount
	s.status = models.ParticipantSuspended
	return s, nil
}

// Resume continues a rehydrated session with the operator's reply (the
// synchronous protocol counterpart of awaitReply).
func (s *Session) Resume(ctx context.Context, reply string) (string, error) {
	if s.status != models.ParticipantSuspended {
		return "", fmt.Errorf("session %s is %s, not suspended", s.ID, s.status)
	}
	if err := s.deps.Takeovers.DeleteTakeover(ctx, s.ID); err != nil {
		s.log.Warn().Err(err).Msg("consume takeover on resume")
	}
	s.status = models.ParticipantRunning
	s.history = append(s.history, models.Message{
		Role:    "user",
		Content: fmt.Sprintf("The operator completed the requested step (%s). Continue the task.", reply),
	})
	return s.loop(ctx)
}
