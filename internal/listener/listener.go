// Package listener drains the durable job backlog and hands claimed jobs to
// the executor. Multiple listener instances may poll the same backlog; the
// store's claim operation guarantees single ownership.
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ucloud/orderwise-agent/internal/models"
	"github.com/ucloud/orderwise-agent/internal/queue"
	"github.com/ucloud/orderwise-agent/internal/session"
	"github.com/ucloud/orderwise-agent/internal/store"
)

// Runner is the executor surface the listener drives.
type Runner interface {
	Run(ctx context.Context, job models.Job) (*models.JobResult, error)
}

// Reaper is implemented by runners that own the full takeover expiry path:
// timing out the request, releasing the held slot, and failing the suspended
// participant. The sweep prefers it over the bare store expiry.
type Reaper interface {
	ReapExpired(ctx context.Context, olderThan time.Time) (int, error)
}

type Config struct {
	// PollInterval bounds how long a quiet listener waits before checking
	// the backlog again; queue wake-ups cut the wait short.
	PollInterval time.Duration
	// StaleClaimAfter re-opens claimed/running jobs this old, covering
	// listener crashes mid-job. Dispatch is at-least-once.
	StaleClaimAfter time.Duration
	// SuspendTimeout bounds how long any waiting takeover request may stay
	// unanswered before the sweep times it out; async sessions usually get
	// there first, this covers sync sessions whose caller never resumed.
	SuspendTimeout time.Duration
	// MaxConcurrent bounds in-flight jobs on this listener instance.
	MaxConcurrent int
}

type Listener struct {
	store  store.Store
	queue  queue.Queue
	runner Runner
	cfg    Config
	log    zerolog.Logger
}

func New(st store.Store, q queue.Queue, runner Runner, cfg Config, log zerolog.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 30 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Listener{
		store:  st,
		queue:  q,
		runner: runner,
		cfg:    cfg,
		log:    log.With().Str("component", "listener").Logger(),
	}
}

// Run polls until ctx is cancelled. Each pass drains every claimable job,
// then blocks on the wake-up queue up to the poll interval.
func (l *Listener) Run(ctx context.Context) {
	sem := make(chan struct{}, l.cfg.MaxConcurrent)
	sweep := time.NewTicker(l.cfg.StaleClaimAfter / 2)
	defer sweep.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		l.drain(ctx, sem)

		select {
		case <-sweep.C:
			l.reclaim(ctx)
		default:
		}

		// Block on the wake-up channel; a timeout just means another
		// poll pass.
		if _, _, err := l.queue.Dequeue(ctx, l.cfg.PollInterval); err != nil && ctx.Err() == nil {
			l.log.Warn().Err(err).Msg("queue wake-up failed")
		}
	}
}

func (l *Listener) drain(ctx context.Context, sem chan struct{}) {
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, ok, err := l.store.ClaimNext(ctx)
		if err != nil {
			<-sem
			l.log.Error().Err(err).Msg("claim failed")
			return
		}
		if !ok {
			<-sem
			return
		}

		l.log.Info().Str("job", job.ID).Msg("job claimed")
		go func(job models.Job) {
			defer func() { <-sem }()
			l.dispatch(ctx, job)
		}(job)
	}
}

func (l *Listener) dispatch(ctx context.Context, job models.Job) {
	_, err := l.runner.Run(ctx, job)
	if err == nil {
		return
	}

	var pending *session.Pending
	if errors.As(err, &pending) {
		// Sync takeover protocol: the job stays running until its
		// suspended sessions are resumed out of band.
		l.log.Info().Str("job", job.ID).Str("session", pending.SessionID).Msg("job waiting on takeover reply")
		return
	}

	l.log.Error().Str("job", job.ID).Err(err).Msg("job failed")
	if ferr := l.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
		l.log.Error().Str("job", job.ID).Err(ferr).Msg("record job failure")
	}
}

func (l *Listener) reclaim(ctx context.Context) {
	cutoff := time.Now().Add(-l.cfg.StaleClaimAfter)
	n, err := l.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		l.log.Error().Err(err).Msg("stale reclaim failed")
		return
	}
	if n > 0 {
		l.log.Warn().Int("jobs", n).Msg("re-opened stale claimed jobs")
	}

	if l.cfg.SuspendTimeout <= 0 {
		return
	}
	expiryCutoff := time.Now().Add(-l.cfg.SuspendTimeout)
	var expired int
	if reaper, ok := l.runner.(Reaper); ok {
		expired, err = reaper.ReapExpired(ctx, expiryCutoff)
	} else {
		expired, err = l.store.ExpireOlderThan(ctx, expiryCutoff)
	}
	if err != nil {
		l.log.Error().Err(err).Msg("takeover expiry sweep failed")
		return
	}
	if expired > 0 {
		l.log.Warn().Int("requests", expired).Msg("timed out unanswered takeover requests")
	}
}
