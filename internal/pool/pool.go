package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// Transport is the network primitive set a slot exposes. The pool only needs
// connect and ping; sessions drive Exec.
type Transport interface {
	Connect(ctx context.Context, addr string) error
	Ping(ctx context.Context, addr string) error
	Exec(ctx context.Context, addr, input string) (string, error)
}

type Options struct {
	HealthInterval time.Duration
	MaxReconnects  int
	PingTimeout    time.Duration
}

// Pool owns the fixed slot registry and hands out exclusive leases. All slot
// mutation happens under the pool mutex; this is the single point where
// cross-participant slot contention is resolved.
type Pool struct {
	mu        sync.Mutex
	slots     map[string]*models.Slot
	transport Transport
	opts      Options
	log       zerolog.Logger

	// notify wakes blocked Lease calls after a release or a health
	// recovery. Buffered so signalling never blocks.
	notify chan struct{}
}

func New(slots []models.Slot, transport Transport, opts Options, log zerolog.Logger) *Pool {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 3
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	p := &Pool{
		slots:     make(map[string]*models.Slot, len(slots)),
		transport: transport,
		opts:      opts,
		log:       log.With().Str("component", "pool").Logger(),
		notify:    make(chan struct{}, 1),
	}
	for i := range slots {
		s := slots[i]
		s.Health = models.SlotUnknown
		s.LeasedBy = ""
		p.slots[s.ID] = &s
	}
	return p
}

// Capacity reports how many slots are bound to a target, leased or not. The
// executor checks this before leasing anything so an unsatisfiable job fails
// with a capacity error instead of a partial lease.
func (p *Pool) Capacity(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.Target == target && !s.Flagged {
			n++
		}
	}
	return n
}

// Lease hands out an exclusive lease on a healthy slot bound to target. With
// wait == 0 it fails fast; otherwise it blocks up to wait for a slot to free
// up. The returned error distinguishes no-capacity from target-unreachable.
func (p *Pool) Lease(ctx context.Context, target, owner string, wait time.Duration) (models.Slot, error) {
	deadline := time.Now().Add(wait)
	for {
		slot, err := p.tryLease(ctx, target, owner)
		if err == nil {
			return slot, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return models.Slot{}, err
		}

		remaining := time.Until(deadline)
		timer := time.NewTimer(remaining)
		select {
		case <-p.notify:
			timer.Stop()
		case <-timer.C:
			return models.Slot{}, err
		case <-ctx.Done():
			timer.Stop()
			return models.Slot{}, ctx.Err()
		}
	}
}

func (p *Pool) tryLease(ctx context.Context, target, owner string) (models.Slot, error) {
	p.mu.Lock()
	var candidates []*models.Slot
	bound, free := 0, 0
	for _, s := range p.slots {
		if s.Target != target || s.Flagged {
			continue
		}
		bound++
		if s.LeasedBy != "" {
			continue
		}
		free++
		// Unreachable slots stay candidates: the pre-lease probe below
		// picks up a recovered target without waiting for the sweep.
		if s.Health != models.SlotReconnecting {
			candidates = append(candidates, s)
		}
	}
	p.mu.Unlock()

	if bound == 0 || free == 0 {
		return models.Slot{}, fmt.Errorf("%w for target %s", models.ErrNoCapacity, target)
	}
	if len(candidates) == 0 {
		return models.Slot{}, fmt.Errorf("%w: all free slots for target %s are down", models.ErrTargetUnreachable, target)
	}

	raceLost := false
	for _, s := range candidates {
		// Opportunistic check before handing the slot out.
		if s.Health != models.SlotHealthy {
			if _, err := p.HealthCheck(ctx, s.ID); err != nil {
				continue
			}
		}
		p.mu.Lock()
		if s.LeasedBy == "" && s.Health == models.SlotHealthy {
			s.LeasedBy = owner
			leased := *s
			p.mu.Unlock()
			p.log.Debug().Str("slot", s.ID).Str("owner", owner).Msg("slot leased")
			return leased, nil
		}
		if s.LeasedBy != "" {
			raceLost = true
		}
		p.mu.Unlock()
	}
	if raceLost {
		// A concurrent claimer took the candidate between checks.
		return models.Slot{}, fmt.Errorf("%w for target %s", models.ErrNoCapacity, target)
	}
	return models.Slot{}, fmt.Errorf("%w: all free slots for target %s are down", models.ErrTargetUnreachable, target)
}

func (p *Pool) Release(slotID string) {
	p.release(slotID, "")
}

// ReleaseOwned releases the slot only while owner still holds the lease, so a
// late release cannot free a lease the slot has since been handed to.
func (p *Pool) ReleaseOwned(slotID, owner string) {
	p.release(slotID, owner)
}

func (p *Pool) release(slotID, owner string) {
	p.mu.Lock()
	s, ok := p.slots[slotID]
	if ok && s.LeasedBy != "" && (owner == "" || s.LeasedBy == owner) {
		p.log.Debug().Str("slot", slotID).Str("owner", s.LeasedBy).Msg("slot released")
		s.LeasedBy = ""
	}
	p.mu.Unlock()
	p.wake()
}

// MarkUnreachable records a post-use failure signal from a session, e.g. a
// failed execute call, so the health loop picks the slot up for reconnection.
func (p *Pool) MarkUnreachable(slotID string) {
	p.mu.Lock()
	if s, ok := p.slots[slotID]; ok {
		s.Health = models.SlotUnreachable
		s.LastCheck = time.Now()
	}
	p.mu.Unlock()
}

// HealthCheck pings one slot and updates its recorded health.
func (p *Pool) HealthCheck(ctx context.Context, slotID string) (models.SlotHealth, error) {
	p.mu.Lock()
	s, ok := p.slots[slotID]
	if !ok {
		p.mu.Unlock()
		return models.SlotUnknown, fmt.Errorf("unknown slot %s", slotID)
	}
	addr := s.Addr
	p.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
	err := p.transport.Ping(pingCtx, addr)
	cancel()

	p.mu.Lock()
	s.LastCheck = time.Now()
	if err != nil {
		s.Health = models.SlotUnreachable
		p.mu.Unlock()
		return models.SlotUnreachable, fmt.Errorf("%w: slot %s: %v", models.ErrTargetUnreachable, slotID, err)
	}
	s.Health = models.SlotHealthy
	p.mu.Unlock()
	p.wake()
	return models.SlotHealthy, nil
}

// Reconnect attempts to bring an unreachable slot back with bounded,
// exponentially backed-off retries. A slot that exhausts its budget is flagged
// for operator attention and excluded from leasing.
func (p *Pool) Reconnect(ctx context.Context, slotID string) error {
	p.mu.Lock()
	s, ok := p.slots[slotID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown slot %s", slotID)
	}
	s.Health = models.SlotReconnecting
	addr := s.Addr
	p.mu.Unlock()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.opts.MaxReconnects)),
		ctx,
	)
	err := backoff.Retry(func() error {
		return p.transport.Connect(ctx, addr)
	}, policy)

	p.mu.Lock()
	s.LastCheck = time.Now()
	if err != nil {
		s.Health = models.SlotUnreachable
		s.Flagged = true
		p.mu.Unlock()
		p.log.Error().Str("slot", slotID).Err(err).Msg("reconnection exhausted, slot flagged")
		return fmt.Errorf("%w: slot %s: %v", models.ErrTargetUnreachable, slotID, err)
	}
	s.Health = models.SlotHealthy
	s.Flagged = false
	p.mu.Unlock()
	p.log.Info().Str("slot", slotID).Msg("slot reconnected")
	p.wake()
	return nil
}

// Run drives periodic health checks until ctx is cancelled. Unreachable slots
// get a reconnection attempt in the same pass.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.slots))
	for id, s := range p.slots {
		if !s.Flagged {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		health, _ := p.HealthCheck(ctx, id)
		if health == models.SlotUnreachable {
			if err := p.Reconnect(ctx, id); err != nil {
				p.log.Warn().Str("slot", id).Err(err).Msg("reconnect failed")
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Transport exposes the slot transport so sessions can drive execute calls
// on the slots they lease.
func (p *Pool) Transport() Transport { return p.transport }

// Get returns a copy of one slot by id.
func (p *Pool) Get(slotID string) (models.Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[slotID]
	if !ok {
		return models.Slot{}, false
	}
	return *s, true
}

// Snapshot returns a copy of every slot for operator inspection.
func (p *Pool) Snapshot() []models.Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Slot, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, *s)
	}
	return out
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
