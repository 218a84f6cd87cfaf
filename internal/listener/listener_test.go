package listener

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ucloud/orderwise-agent/internal/models"
	"github.com/ucloud/orderwise-agent/internal/queue"
	"github.com/ucloud/orderwise-agent/internal/session"
	"github.com/ucloud/orderwise-agent/internal/store"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs map[string]int
	err  error
}

func newFakeRunner(err error) *fakeRunner {
	return &fakeRunner{runs: make(map[string]int), err: err}
}

func (r *fakeRunner) Run(_ context.Context, job models.Job) (*models.JobResult, error) {
	r.mu.Lock()
	r.runs[job.ID]++
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &models.JobResult{JobID: job.ID, Succeeded: true}, nil
}

func (r *fakeRunner) snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.runs))
	for id, n := range r.runs {
		out[id] = n
	}
	return out
}

func testListener(t *testing.T, st store.Store, q queue.Queue, runner Runner) *Listener {
	t.Helper()
	return New(st, q, runner, Config{
		PollInterval: 20 * time.Millisecond,
	}, zerolog.New(zerolog.NewTestWriter(t)))
}

func TestConcurrentListenersDispatchEachJobOnce(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemoryQueue(64)
	runner := newFakeRunner(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	const jobs = 12
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%02d", i)
		require.NoError(t, st.SaveJob(ctx, models.Job{
			ID:           id,
			Participants: []models.ParticipantSpec{{Target: "mt", Task: "latte"}},
			Status:       models.JobPending,
			CreatedAt:    time.Now(),
		}))
		require.NoError(t, q.Enqueue(ctx, id))
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			testListener(t, st, q, runner).Run(ctx)
		}()
	}
	wg.Wait()

	runs := runner.snapshot()
	require.Len(t, runs, jobs)
	for id, n := range runs {
		require.Equal(t, 1, n, "job %s dispatched more than once", id)
	}
}

func TestFailedRunIsRecorded(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemoryQueue(4)
	runner := newFakeRunner(fmt.Errorf("fan-out blew up"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, st.SaveJob(ctx, models.Job{
		ID:           "j1",
		Participants: []models.ParticipantSpec{{Target: "mt", Task: "latte"}},
		Status:       models.JobPending,
		CreatedAt:    time.Now(),
	}))
	require.NoError(t, q.Enqueue(ctx, "j1"))

	testListener(t, st, q, runner).Run(ctx)

	job, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "fan-out blew up")
}

func TestSuspendedJobIsNotFailed(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemoryQueue(4)
	runner := newFakeRunner(&session.Pending{SessionID: "s1", Reason: "captcha"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, st.SaveJob(ctx, models.Job{
		ID:           "j1",
		Participants: []models.ParticipantSpec{{Target: "mt", Task: "latte"}},
		Status:       models.JobPending,
		CreatedAt:    time.Now(),
	}))
	require.NoError(t, q.Enqueue(ctx, "j1"))

	testListener(t, st, q, runner).Run(ctx)

	// Waiting on a takeover reply is not a failure; the claim stands until
	// the session resumes or the stale sweep re-opens it.
	job, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobClaimed, job.Status)
	require.Empty(t, job.ErrorMessage)
}

func TestSweepExpiresAbandonedTakeovers(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemoryQueue(4)
	runner := newFakeRunner(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, st.CreateTakeover(ctx,
		models.TakeoverRequest{SessionID: "s1", JobID: "j1", Target: "mt", Reason: "captcha",
			CreatedAt: time.Now().Add(-time.Hour)},
		models.ResumePoint{SessionID: "s1", JobID: "j1", SlotID: "mt-1"},
	))

	l := New(st, q, runner, Config{
		PollInterval:    20 * time.Millisecond,
		StaleClaimAfter: 40 * time.Millisecond,
		SuspendTimeout:  50 * time.Millisecond,
	}, zerolog.New(zerolog.NewTestWriter(t)))
	l.Run(ctx)

	req, err := st.GetTakeover(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, models.TakeoverTimedOut, req.Status)
}

type fakeReaperRunner struct {
	*fakeRunner
	mu    sync.Mutex
	reaps int
}

func (r *fakeReaperRunner) ReapExpired(context.Context, time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaps++
	return 0, nil
}

func TestSweepPrefersRunnerReaper(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemoryQueue(4)
	runner := &fakeReaperRunner{fakeRunner: newFakeRunner(nil)}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, st.CreateTakeover(ctx,
		models.TakeoverRequest{SessionID: "s1", JobID: "j1", Target: "mt", Reason: "captcha",
			CreatedAt: time.Now().Add(-time.Hour)},
		models.ResumePoint{SessionID: "s1", JobID: "j1", SlotID: "mt-1"},
	))

	l := New(st, q, runner, Config{
		PollInterval:    20 * time.Millisecond,
		StaleClaimAfter: 40 * time.Millisecond,
		SuspendTimeout:  50 * time.Millisecond,
	}, zerolog.New(zerolog.NewTestWriter(t)))
	l.Run(ctx)

	// A runner that owns the full expiry path gets the sweep; the store's
	// bare expiry is never invoked, so the request is still waiting.
	runner.mu.Lock()
	reaps := runner.reaps
	runner.mu.Unlock()
	require.Greater(t, reaps, 0)

	req, err := st.GetTakeover(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, models.TakeoverWaiting, req.Status)
}
