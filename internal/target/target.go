package target

import (
	"fmt"
	"sync"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// Integration captures the per-target behavior the executor needs: what to
// send to the slot before the step loop starts, and how to phrase the task for
// the decision service. One implementation exists per integration target;
// the executor never branches on target identifiers itself.
type Integration interface {
	Type() string
	Name() string
	// LaunchInput is executed through the slot transport before the first
	// step, bringing the target surface to a known state.
	LaunchInput() string
	// Instruction renders the participant's task prompt.
	Instruction(spec models.ParticipantSpec) string
}

type Registry struct {
	mu sync.RWMutex
	m  map[string]Integration
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Integration)}
}

func (r *Registry) Register(i Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[i.Type()] = i
}

func (r *Registry) Lookup(targetType string) (Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.m[targetType]
	if !ok {
		return nil, fmt.Errorf("no integration registered for target %q", targetType)
	}
	return i, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	return out
}
