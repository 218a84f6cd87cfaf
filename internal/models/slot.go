package models

import "time"

type SlotHealth string

const (
	SlotUnknown      SlotHealth = "unknown"
	SlotHealthy      SlotHealth = "healthy"
	SlotUnreachable  SlotHealth = "unreachable"
	SlotReconnecting SlotHealth = "reconnecting"
)

// Slot is one leasable execution unit, pre-bound to an integration target.
// LeasedBy holds the owning session id, empty when free.
type Slot struct {
	ID        string     `json:"id" yaml:"id"`
	Addr      string     `json:"addr" yaml:"addr"`
	Target    string     `json:"target" yaml:"target"`
	Health    SlotHealth `json:"health" yaml:"-"`
	LeasedBy  string     `json:"leased_by,omitempty" yaml:"-"`
	LastCheck time.Time  `json:"last_check" yaml:"-"`
	// Flagged marks a slot whose reconnection budget is exhausted. It stays
	// registered for operator attention but is excluded from leasing.
	Flagged bool `json:"flagged,omitempty" yaml:"-"`
}
