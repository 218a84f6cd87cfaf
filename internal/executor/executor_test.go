package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ucloud/orderwise-agent/internal/decision"
	"github.com/ucloud/orderwise-agent/internal/models"
	"github.com/ucloud/orderwise-agent/internal/pool"
	"github.com/ucloud/orderwise-agent/internal/session"
	"github.com/ucloud/orderwise-agent/internal/store"
	"github.com/ucloud/orderwise-agent/internal/target"
)

type okTransport struct{}

func (okTransport) Connect(context.Context, string) error { return nil }
func (okTransport) Ping(context.Context, string) error    { return nil }
func (okTransport) Exec(context.Context, string, string) (string, error) {
	return "screen", nil
}

type testTarget struct{ typ string }

func (t testTarget) Type() string        { return t.typ }
func (t testTarget) Name() string        { return t.typ }
func (t testTarget) LaunchInput() string { return "launch " + t.typ }

func (t testTarget) Instruction(spec models.ParticipantSpec) string { return spec.Task }

// taskDecision routes each step by the task prompt at the head of the
// conversation and counts calls per task.
type taskDecision struct {
	mu    sync.Mutex
	steps map[string]func(ctx context.Context, call int) (decision.Outcome, error)
	calls map[string]int
}

func newTaskDecision() *taskDecision {
	return &taskDecision{
		steps: make(map[string]func(context.Context, int) (decision.Outcome, error)),
		calls: make(map[string]int),
	}
}

func (d *taskDecision) on(task string, fn func(ctx context.Context, call int) (decision.Outcome, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps[task] = fn
}

func (d *taskDecision) Step(ctx context.Context, sc decision.StepContext) (decision.Outcome, error) {
	if len(sc.History) == 0 {
		return decision.Outcome{}, fmt.Errorf("empty history")
	}
	task := sc.History[0].Content
	d.mu.Lock()
	fn, ok := d.steps[task]
	call := d.calls[task]
	d.calls[task]++
	d.mu.Unlock()
	if !ok {
		return decision.Outcome{}, fmt.Errorf("no behavior for task %q", task)
	}
	return fn(ctx, call)
}

func (d *taskDecision) callCount(task string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[task]
}

func terminalAfter(delay time.Duration, message string) func(context.Context, int) (decision.Outcome, error) {
	return func(ctx context.Context, _ int) (decision.Outcome, error) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return decision.Outcome{}, ctx.Err()
		}
		return decision.Outcome{Kind: decision.OutcomeTerminal, Message: message}, nil
	}
}

type testRig struct {
	exec  *Executor
	pool  *pool.Pool
	store *store.Memory
	dec   *taskDecision
}

func newTestRig(t *testing.T, slots []models.Slot, targets []string, cfg Config) *testRig {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))

	reg := target.NewRegistry()
	for _, typ := range targets {
		reg.Register(testTarget{typ: typ})
	}

	p := pool.New(slots, okTransport{}, pool.Options{}, log)
	st := store.NewMemory()
	dec := newTaskDecision()

	if cfg.Session.StepRetries == 0 {
		cfg.Session.StepRetries = 1
	}
	if cfg.Session.StepRetryBase == 0 {
		cfg.Session.StepRetryBase = time.Millisecond
	}
	if cfg.ReleaseGrace == 0 {
		cfg.ReleaseGrace = time.Second
	}

	return &testRig{
		exec:  New(p, st, reg, dec, nil, cfg, log),
		pool:  p,
		store: st,
		dec:   dec,
	}
}

func (r *testRig) saveJob(t *testing.T, job models.Job) models.Job {
	t.Helper()
	job.Status = models.JobClaimed
	job.CreatedAt = time.Now()
	require.NoError(t, r.store.SaveJob(context.Background(), job))
	return job
}

func (r *testRig) requireAllReleased(t *testing.T) {
	t.Helper()
	for _, s := range r.pool.Snapshot() {
		require.Empty(t, s.LeasedBy, "slot %s still leased", s.ID)
	}
}

func threeTargetSlots() []models.Slot {
	return []models.Slot{
		{ID: "mt-1", Addr: "10.0.0.1:9000", Target: "mt"},
		{ID: "jd-1", Addr: "10.0.0.2:9000", Target: "jd"},
		{ID: "tb-1", Addr: "10.0.0.3:9000", Target: "tb"},
	}
}

func TestFanOutLatencyIsMaxNotSum(t *testing.T) {
	rig := newTestRig(t, threeTargetSlots(), []string{"mt", "jd", "tb"}, Config{JobTimeout: 5 * time.Second})
	rig.dec.on("task-mt", terminalAfter(100*time.Millisecond, "price: 10"))
	rig.dec.on("task-jd", terminalAfter(400*time.Millisecond, "price: 11"))
	rig.dec.on("task-tb", terminalAfter(200*time.Millisecond, "price: 12"))

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
		{Target: "jd", Task: "task-jd"},
		{Target: "tb", Task: "task-tb"},
	}})

	started := time.Now()
	result, err := rig.exec.Run(context.Background(), job)
	elapsed := time.Since(started)

	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Len(t, result.Participants, 3)
	for _, o := range result.Participants {
		require.Equal(t, models.ParticipantSucceeded, o.Status)
	}

	// Participants overlap: total tracks the slowest one, not the sum.
	require.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	require.Less(t, elapsed, 650*time.Millisecond)

	rig.requireAllReleased(t)
	saved, err := rig.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobDone, saved.Status)
}

func TestParticipantFailureDoesNotCancelSiblings(t *testing.T) {
	rig := newTestRig(t, threeTargetSlots(), []string{"mt", "jd", "tb"}, Config{JobTimeout: 5 * time.Second})
	rig.dec.on("task-mt", terminalAfter(50*time.Millisecond, "price: 10"))
	rig.dec.on("task-jd", func(context.Context, int) (decision.Outcome, error) {
		return decision.Outcome{}, fmt.Errorf("model backend exploded")
	})
	rig.dec.on("task-tb", terminalAfter(80*time.Millisecond, "price: 12"))

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
		{Target: "jd", Task: "task-jd"},
		{Target: "tb", Task: "task-tb"},
	}})

	result, err := rig.exec.Run(context.Background(), job)
	require.NoError(t, err)
	require.True(t, result.Succeeded, "one participant failing keeps the job partial, not failed")

	byTarget := make(map[string]models.ParticipantOutcome)
	for _, o := range result.Participants {
		byTarget[o.Target] = o
	}
	require.Equal(t, models.ParticipantSucceeded, byTarget["mt"].Status)
	require.Equal(t, models.ParticipantSucceeded, byTarget["tb"].Status)
	require.Equal(t, models.ParticipantFailed, byTarget["jd"].Status)
	require.Contains(t, byTarget["jd"].Error, "model backend exploded")

	rig.requireAllReleased(t)
}

func TestCapacityCheckedBeforeAnyLease(t *testing.T) {
	rig := newTestRig(t, []models.Slot{
		{ID: "mt-1", Addr: "10.0.0.1:9000", Target: "mt"},
	}, []string{"mt"}, Config{JobTimeout: time.Second})

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-a"},
		{Target: "mt", Task: "task-b"},
	}})

	_, err := rig.exec.Run(context.Background(), job)
	require.ErrorIs(t, err, models.ErrNoCapacity)

	// Failed fast: no lease was taken, no session was started.
	rig.requireAllReleased(t)
	require.Zero(t, rig.dec.callCount("task-a"))
	require.Zero(t, rig.dec.callCount("task-b"))

	saved, err := rig.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, saved.Status)
	require.Contains(t, saved.ErrorMessage, "capacity")
}

func TestJobTimeoutForcesFailure(t *testing.T) {
	rig := newTestRig(t, threeTargetSlots(), []string{"mt"}, Config{JobTimeout: 100 * time.Millisecond})
	rig.dec.on("task-mt", terminalAfter(5*time.Second, "too late"))

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
	}})

	started := time.Now()
	result, err := rig.exec.Run(context.Background(), job)
	require.NoError(t, err)
	require.Less(t, time.Since(started), 3*time.Second)

	require.False(t, result.Succeeded)
	require.Len(t, result.Participants, 1)
	require.Equal(t, models.ParticipantFailed, result.Participants[0].Status)
	require.Equal(t, models.ErrJobTimeout.Error(), result.Participants[0].Error)

	rig.requireAllReleased(t)
}

func TestUnansweredTakeoverFailsOnlyThatParticipant(t *testing.T) {
	cfg := Config{
		JobTimeout: 5 * time.Second,
		Session: session.Config{
			SuspendTimeout: 60 * time.Millisecond,
			TakeoverPoll:   10 * time.Millisecond,
		},
	}
	rig := newTestRig(t, threeTargetSlots(), []string{"mt", "jd"}, cfg)
	rig.dec.on("task-mt", terminalAfter(20*time.Millisecond, "price: 10"))
	rig.dec.on("task-jd", func(context.Context, int) (decision.Outcome, error) {
		return decision.Outcome{Kind: decision.OutcomeNeedsTakeover, Message: "login required"}, nil
	})

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
		{Target: "jd", Task: "task-jd"},
	}})

	result, err := rig.exec.Run(context.Background(), job)
	require.NoError(t, err)
	require.True(t, result.Succeeded)

	byTarget := make(map[string]models.ParticipantOutcome)
	for _, o := range result.Participants {
		byTarget[o.Target] = o
	}
	require.Equal(t, models.ParticipantSucceeded, byTarget["mt"].Status)
	require.Equal(t, models.ParticipantFailed, byTarget["jd"].Status)
	require.Contains(t, byTarget["jd"].Error, "takeover")

	req, err := rig.store.GetTakeover(context.Background(), byTarget["jd"].SessionID)
	require.NoError(t, err)
	require.Equal(t, models.TakeoverTimedOut, req.Status)

	rig.requireAllReleased(t)
}

func TestSyncSuspendAndResumeThroughExecutor(t *testing.T) {
	cfg := Config{
		JobTimeout: 5 * time.Second,
		Session:    session.Config{SyncTakeover: true},
	}
	rig := newTestRig(t, threeTargetSlots(), []string{"mt"}, cfg)
	rig.dec.on("task-mt", func(_ context.Context, call int) (decision.Outcome, error) {
		if call == 0 {
			return decision.Outcome{Kind: decision.OutcomeNeedsTakeover, Message: "privacy dialog"}, nil
		}
		return decision.Outcome{Kind: decision.OutcomeTerminal, Message: "price: 10, total: 13"}, nil
	})

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
	}})

	_, err := rig.exec.Run(context.Background(), job)
	var pending *session.Pending
	require.ErrorAs(t, err, &pending)

	// The suspended participant keeps its slot until the resume.
	slot, ok := rig.pool.Get("mt-1")
	require.True(t, ok)
	require.NotEmpty(t, slot.LeasedBy)

	outcome, err := rig.exec.Resume(context.Background(), pending.SessionID, "dialog dismissed")
	require.NoError(t, err)
	require.Equal(t, models.ParticipantSucceeded, outcome.Status)
	require.Equal(t, 2, outcome.Steps)
	require.Equal(t, "10", outcome.Fields["price"])

	rig.requireAllReleased(t)
}

func TestSyncJobFinalizesAfterLastResume(t *testing.T) {
	cfg := Config{
		JobTimeout: 5 * time.Second,
		Session:    session.Config{SyncTakeover: true},
	}
	rig := newTestRig(t, threeTargetSlots(), []string{"mt", "jd"}, cfg)
	rig.dec.on("task-mt", func(_ context.Context, call int) (decision.Outcome, error) {
		if call == 0 {
			return decision.Outcome{Kind: decision.OutcomeNeedsTakeover, Message: "captcha"}, nil
		}
		return decision.Outcome{Kind: decision.OutcomeTerminal, Message: "price: 10"}, nil
	})
	rig.dec.on("task-jd", terminalAfter(20*time.Millisecond, "price: 11"))

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
		{Target: "jd", Task: "task-jd"},
	}})

	_, err := rig.exec.Run(context.Background(), job)
	var pending *session.Pending
	require.ErrorAs(t, err, &pending)

	// No result yet: the terminal sibling's outcome is stashed, not dropped.
	_, err = rig.store.GetResult(context.Background(), "j1")
	require.ErrorIs(t, err, models.ErrResultNotFound)

	outcome, err := rig.exec.Resume(context.Background(), pending.SessionID, "captcha solved")
	require.NoError(t, err)
	require.Equal(t, models.ParticipantSucceeded, outcome.Status)

	// The last resume joins the stashed outcomes and writes the record.
	result, err := rig.store.GetResult(context.Background(), "j1")
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Len(t, result.Participants, 2)

	saved, err := rig.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobDone, saved.Status)

	rig.requireAllReleased(t)
}

func TestReapExpiredFailsSyncParticipant(t *testing.T) {
	cfg := Config{
		JobTimeout: 5 * time.Second,
		Session:    session.Config{SyncTakeover: true},
	}
	rig := newTestRig(t, threeTargetSlots(), []string{"mt"}, cfg)
	rig.dec.on("task-mt", func(context.Context, int) (decision.Outcome, error) {
		return decision.Outcome{Kind: decision.OutcomeNeedsTakeover, Message: "login required"}, nil
	})

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
	}})

	_, err := rig.exec.Run(context.Background(), job)
	var pending *session.Pending
	require.ErrorAs(t, err, &pending)

	slot, ok := rig.pool.Get("mt-1")
	require.True(t, ok)
	require.NotEmpty(t, slot.LeasedBy)

	expired, err := rig.exec.ReapExpired(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	// The reap frees the held slot, fails the participant, and settles the job.
	rig.requireAllReleased(t)

	req, err := rig.store.GetTakeover(context.Background(), pending.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.TakeoverTimedOut, req.Status)

	result, err := rig.store.GetResult(context.Background(), "j1")
	require.NoError(t, err)
	require.False(t, result.Succeeded)
	require.Len(t, result.Participants, 1)
	require.Contains(t, result.Participants[0].Error, "takeover expired")

	saved, err := rig.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, saved.Status)

	// A reply that arrives after the expiry is rejected, not resumed.
	_, err = rig.exec.Resume(context.Background(), pending.SessionID, "too late")
	require.ErrorIs(t, err, models.ErrTakeoverExpired)
}

func TestRedispatchRestoresJobStatusFromStoredResult(t *testing.T) {
	rig := newTestRig(t, threeTargetSlots(), []string{"mt"}, Config{JobTimeout: time.Second})
	rig.dec.on("task-mt", terminalAfter(0, "total: 2"))

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
	}})

	// A prior run crashed between writing the result and updating the job,
	// so the record exists but the job is still claimed.
	require.NoError(t, rig.store.SaveResult(context.Background(), &models.JobResult{
		JobID:     "j1",
		Succeeded: true,
		Participants: []models.ParticipantOutcome{
			{Target: "mt", Status: models.ParticipantSucceeded, Output: "total: 1"},
		},
		CreatedAt: time.Now(),
	}))

	result, err := rig.exec.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "total: 1", result.Participants[0].Output)

	// The re-dispatch lands the job on the stored verdict instead of
	// leaving it claimable forever.
	saved, err := rig.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobDone, saved.Status)
}

func TestResultIsWrittenExactlyOnce(t *testing.T) {
	rig := newTestRig(t, threeTargetSlots(), []string{"mt"}, Config{JobTimeout: time.Second})
	rig.dec.on("task-mt", terminalAfter(0, "total: 1"))

	job := rig.saveJob(t, models.Job{ID: "j1", Participants: []models.ParticipantSpec{
		{Target: "mt", Task: "task-mt"},
	}})

	first, err := rig.exec.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "total: 1", first.Participants[0].Output)

	// A re-dispatched run produces a different outcome, but the first
	// record wins.
	rig.dec.on("task-mt", terminalAfter(0, "total: 2"))
	second, err := rig.exec.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "total: 1", second.Participants[0].Output)
}
