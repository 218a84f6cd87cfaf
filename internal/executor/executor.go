// Package executor fans a job out across one session per participant and
// joins the outcomes into a single JobResult. Total job latency is the
// maximum participant latency, not the sum.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ucloud/orderwise-agent/internal/decision"
	"github.com/ucloud/orderwise-agent/internal/extract"
	"github.com/ucloud/orderwise-agent/internal/models"
	"github.com/ucloud/orderwise-agent/internal/pool"
	"github.com/ucloud/orderwise-agent/internal/session"
	"github.com/ucloud/orderwise-agent/internal/store"
	"github.com/ucloud/orderwise-agent/internal/target"
)

type Config struct {
	JobTimeout   time.Duration
	LeaseWait    time.Duration
	ReleaseGrace time.Duration
	RequireAllOK bool
	Session      session.Config
}

type Executor struct {
	pool      *pool.Pool
	store     store.Store
	targets   *target.Registry
	decision  decision.Client
	extractor extract.Extractor
	cfg       Config
	log       zerolog.Logger

	// pending stashes sync-suspended jobs: terminal sibling outcomes plus
	// the set of session ids still awaiting a resume or expiry. The job
	// finalizes when the last one resolves.
	mu      sync.Mutex
	pending map[string]*pendingJob
}

type pendingJob struct {
	job      models.Job
	started  time.Time
	outcomes []models.ParticipantOutcome
	awaiting map[string]struct{}
}

func New(p *pool.Pool, st store.Store, targets *target.Registry, dc decision.Client, ex extract.Extractor, cfg Config, log zerolog.Logger) *Executor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 15 * time.Minute
	}
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = 10 * time.Second
	}
	if ex == nil {
		ex = extract.Fields
	}
	return &Executor{
		pool:      p,
		store:     st,
		targets:   targets,
		decision:  dc,
		extractor: ex,
		cfg:       cfg,
		log:       log.With().Str("component", "executor").Logger(),
		pending:   make(map[string]*pendingJob),
	}
}

type lease struct {
	spec      models.ParticipantSpec
	slot      models.Slot
	sessionID string
}

// Run executes one claimed job end to end and persists its JobResult. A
// participant failure never cancels its siblings; the job result records
// every participant individually.
func (e *Executor) Run(ctx context.Context, job models.Job) (*models.JobResult, error) {
	started := time.Now()
	log := e.log.With().Str("job", job.ID).Logger()

	leases, err := e.leaseAll(ctx, job)
	if err != nil {
		// Capacity errors surface before any slot is leased; record the
		// failure so get_result terminates instead of hanging.
		if ferr := e.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("record job failure")
		}
		return nil, err
	}

	if err := e.store.UpdateJobStatus(ctx, job.ID, models.JobRunning); err != nil {
		e.releaseLeases(leases)
		return nil, err
	}
	log.Info().Int("participants", len(leases)).Msg("job fanned out")

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	results := make(chan models.ParticipantOutcome, len(leases))
	for _, l := range leases {
		go func(l lease) {
			results <- e.runParticipant(jobCtx, job, l)
		}(l)
	}

	outcomes := make([]models.ParticipantOutcome, 0, len(leases))
	for range leases {
		outcomes = append(outcomes, <-results)
	}

	// Sync takeover protocol: suspended participants keep their slots and
	// the job stays running until the caller resumes them. Terminal
	// sibling outcomes are stashed, not discarded; the job finalizes once
	// the last suspended participant resolves.
	var firstSuspended *models.ParticipantOutcome
	awaiting := make(map[string]struct{})
	terminal := make([]models.ParticipantOutcome, 0, len(outcomes))
	for i, o := range outcomes {
		if o.Status == models.ParticipantSuspended {
			if firstSuspended == nil {
				firstSuspended = &outcomes[i]
			}
			awaiting[o.SessionID] = struct{}{}
		} else {
			terminal = append(terminal, o)
		}
	}
	if firstSuspended != nil {
		e.mu.Lock()
		e.pending[job.ID] = &pendingJob{job: job, started: started, outcomes: terminal, awaiting: awaiting}
		e.mu.Unlock()
		log.Info().Str("session", firstSuspended.SessionID).Msg("job has suspended participants, deferring finalize")
		return nil, &session.Pending{SessionID: firstSuspended.SessionID, Reason: firstSuspended.Error}
	}

	return e.Finalize(ctx, job, outcomes, time.Since(started))
}

// leaseAll acquires one slot per participant up front. The registered
// capacity is validated first so an unsatisfiable job fails with a capacity
// error before any lease, never a partial fan-out.
func (e *Executor) leaseAll(ctx context.Context, job models.Job) ([]lease, error) {
	if len(job.Participants) == 0 {
		return nil, fmt.Errorf("job %s has no participants", job.ID)
	}

	demand := make(map[string]int)
	for _, spec := range job.Participants {
		demand[spec.Target]++
	}
	for tgt, need := range demand {
		if have := e.pool.Capacity(tgt); have < need {
			return nil, fmt.Errorf("%w: target %s needs %d slots, pool has %d", models.ErrNoCapacity, tgt, need, have)
		}
	}

	leases := make([]lease, 0, len(job.Participants))
	for _, spec := range job.Participants {
		sessionID := fmt.Sprintf("%s_%s_%s", job.ID, spec.Target, uuid.NewString()[:8])
		slot, err := e.pool.Lease(ctx, spec.Target, sessionID, e.cfg.LeaseWait)
		if err != nil {
			e.releaseLeases(leases)
			return nil, fmt.Errorf("lease for target %s: %w", spec.Target, err)
		}
		leases = append(leases, lease{spec: spec, slot: slot, sessionID: sessionID})
	}
	return leases, nil
}

func (e *Executor) releaseLeases(leases []lease) {
	for _, l := range leases {
		e.pool.ReleaseOwned(l.slot.ID, l.sessionID)
	}
}

// runParticipant drives one session to a terminal state and maps the result
// into a ParticipantOutcome. The slot is released on any terminal outcome; a
// suspended session under the sync protocol keeps its lease.
func (e *Executor) runParticipant(ctx context.Context, job models.Job, l lease) models.ParticipantOutcome {
	started := time.Now()
	outcome := models.ParticipantOutcome{
		Target:    l.spec.Target,
		SlotID:    l.slot.ID,
		SessionID: l.sessionID,
	}

	integration, err := e.targets.Lookup(l.spec.Target)
	if err != nil {
		e.pool.ReleaseOwned(l.slot.ID, l.sessionID)
		outcome.Status = models.ParticipantFailed
		outcome.Error = err.Error()
		outcome.Duration = time.Since(started)
		return outcome
	}

	sess := session.New(l.sessionID, job.ID, l.spec.Target, integration.Instruction(l.spec), l.slot, session.Deps{
		Decision:  e.decision,
		Transport: e.pool.Transport(),
		Takeovers: e.store,
		Log:       e.log,
	}, e.cfg.Session)

	output, runErr := func() (string, error) {
		if _, err := e.pool.Transport().Exec(ctx, l.slot.Addr, integration.LaunchInput()); err != nil {
			return "", fmt.Errorf("%w: launch on slot %s: %v", models.ErrTargetUnreachable, l.slot.ID, err)
		}
		return sess.Run(ctx)
	}()

	outcome.Steps = sess.Steps()
	outcome.Duration = time.Since(started)

	var pending *session.Pending
	switch {
	case runErr == nil:
		outcome.Status = models.ParticipantSucceeded
		outcome.Output = output
		outcome.Fields = e.extractor(output)

	case errors.As(runErr, &pending):
		// Suspended under the sync protocol; the slot stays leased for
		// the eventual resume.
		outcome.Status = models.ParticipantSuspended
		outcome.Error = pending.Reason
		return outcome

	case errors.Is(runErr, context.DeadlineExceeded):
		outcome.Status = models.ParticipantFailed
		outcome.Error = models.ErrJobTimeout.Error()

	default:
		outcome.Status = models.ParticipantFailed
		outcome.Error = runErr.Error()
		if errors.Is(runErr, models.ErrTargetUnreachable) {
			e.pool.MarkUnreachable(l.slot.ID)
		}
	}

	e.releaseWithGrace(l.slot.ID, l.sessionID)
	return outcome
}

// releaseWithGrace gives the slot back to the pool. Release is in-process
// bookkeeping and cannot block, so the grace period is only a bound on how
// long a cancelled participant may hold its slot after the join.
func (e *Executor) releaseWithGrace(slotID, owner string) {
	done := make(chan struct{})
	go func() {
		e.pool.ReleaseOwned(slotID, owner)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ReleaseGrace):
		e.log.Error().Str("slot", slotID).Msg("slot release exceeded grace period")
	}
}

// Resume continues one suspended participant with the operator's reply (the
// synchronous takeover protocol). When the last suspended participant of a
// job resolves, the stashed sibling outcomes are joined and the job result is
// written.
func (e *Executor) Resume(ctx context.Context, sessionID, reply string) (models.ParticipantOutcome, error) {
	req, err := e.store.GetTakeover(ctx, sessionID)
	if err != nil {
		return models.ParticipantOutcome{}, err
	}
	switch req.Status {
	case models.TakeoverWaiting:
	case models.TakeoverTimedOut:
		return models.ParticipantOutcome{}, fmt.Errorf("%w: session %s", models.ErrTakeoverExpired, sessionID)
	default:
		return models.ParticipantOutcome{}, fmt.Errorf("takeover for session %s is %s, not waiting", sessionID, req.Status)
	}

	rp, err := e.store.GetResumePoint(ctx, sessionID)
	if err != nil {
		return models.ParticipantOutcome{}, err
	}
	slot, ok := e.pool.Get(rp.SlotID)
	if !ok {
		return models.ParticipantOutcome{}, fmt.Errorf("resume point names unknown slot %s", rp.SlotID)
	}

	sess, err := session.Rehydrate(ctx, e.store, sessionID, slot, session.Deps{
		Decision:  e.decision,
		Transport: e.pool.Transport(),
		Takeovers: e.store,
		Log:       e.log,
	}, e.cfg.Session)
	if err != nil {
		return models.ParticipantOutcome{}, err
	}

	started := time.Now()
	output, runErr := sess.Resume(ctx, reply)

	outcome := models.ParticipantOutcome{
		Target:    rp.Target,
		SlotID:    rp.SlotID,
		SessionID: sessionID,
		Steps:     sess.Steps(),
		Duration:  started.Sub(rp.SuspendedAt) + time.Since(started),
	}
	var pending *session.Pending
	switch {
	case runErr == nil:
		outcome.Status = models.ParticipantSucceeded
		outcome.Output = output
		outcome.Fields = e.extractor(output)
	case errors.As(runErr, &pending):
		// Suspended again; keep the lease and wait for the next reply.
		outcome.Status = models.ParticipantSuspended
		outcome.Error = pending.Reason
		return outcome, nil
	default:
		outcome.Status = models.ParticipantFailed
		outcome.Error = runErr.Error()
	}

	e.releaseWithGrace(rp.SlotID, sessionID)
	e.settle(ctx, rp.JobID, sessionID, outcome)
	return outcome, nil
}

// settle records a resolved outcome for a job that deferred its finalize. The
// job result is written once the last awaited session resolves.
func (e *Executor) settle(ctx context.Context, jobID, sessionID string, outcome models.ParticipantOutcome) {
	e.mu.Lock()
	pj, ok := e.pending[jobID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(pj.awaiting, sessionID)
	pj.outcomes = append(pj.outcomes, outcome)
	if len(pj.awaiting) > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.pending, jobID)
	e.mu.Unlock()

	if _, err := e.Finalize(ctx, pj.job, pj.outcomes, time.Since(pj.started)); err != nil {
		e.log.Error().Str("job", jobID).Err(err).Msg("finalize after resume")
	}
}

// ReapExpired fails every suspended participant whose takeover request has
// been waiting since before olderThan: the request is timed out, the held
// slot released, and the participant settled as failed so its job can
// finalize. A later reply for the session is rejected by Resume.
func (e *Executor) ReapExpired(ctx context.Context, olderThan time.Time) (int, error) {
	waiting, err := e.store.ListWaiting(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range waiting {
		if !req.CreatedAt.Before(olderThan) {
			continue
		}
		if err := e.store.ExpireTakeover(ctx, req.SessionID); err != nil {
			if errors.Is(err, models.ErrSessionNotFound) {
				// Answered or expired between the list and now.
				continue
			}
			return expired, err
		}
		expired++

		rp, err := e.store.GetResumePoint(ctx, req.SessionID)
		if err != nil {
			e.log.Error().Str("session", req.SessionID).Err(err).Msg("expired takeover has no resume point")
			continue
		}
		e.pool.ReleaseOwned(rp.SlotID, req.SessionID)
		e.log.Warn().
			Str("session", req.SessionID).
			Str("job", rp.JobID).
			Msg("takeover request expired unanswered")

		e.settle(ctx, rp.JobID, req.SessionID, models.ParticipantOutcome{
			Target:    rp.Target,
			SlotID:    rp.SlotID,
			SessionID: req.SessionID,
			Status:    models.ParticipantFailed,
			Steps:     rp.StepCount,
			Duration:  time.Since(rp.SuspendedAt),
			Error:     fmt.Sprintf("%s: no operator reply for %q", models.ErrTakeoverExpired.Error(), req.Reason),
		})
	}
	return expired, nil
}
