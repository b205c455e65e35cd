package synckit

import (
	"time"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
)

// ConflictKind classifies what each side did to the same entity.
type ConflictKind string

const (
	KindUpdateUpdate ConflictKind = "update_update"
	KindUpdateDelete ConflictKind = "update_delete"
	KindDeleteDelete ConflictKind = "delete_delete"
)

// ConflictStatus is monotonic: pending moves to resolved or deferred,
// deferred returns to pending on the next reconciliation sweep, resolved is
// terminal.
type ConflictStatus string

const (
	StatusPending  ConflictStatus = "pending"
	StatusResolved ConflictStatus = "resolved"
	StatusDeferred ConflictStatus = "deferred"
)

// Strategy selects a merge algorithm.
type Strategy string

const (
	StrategyAutoMerge    Strategy = "auto_merge"
	StrategyPreferLocal  Strategy = "prefer_local"
	StrategyPreferRemote Strategy = "prefer_remote"
	StrategyPreferNewer  Strategy = "prefer_newer"
	StrategyManual       Strategy = "manual"
	StrategyFieldLevel   Strategy = "field_level"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAutoMerge, StrategyPreferLocal, StrategyPreferRemote,
		StrategyPreferNewer, StrategyManual, StrategyFieldLevel:
		return true
	}
	return false
}

// NeedsAncestor reports whether the strategy relies on a common ancestor.
func (s Strategy) NeedsAncestor() bool {
	return s == StrategyAutoMerge || s == StrategyFieldLevel
}

// Side picks one copy of a field under field-level resolution.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
)

// EntityField is reported in ForceResolved when a whole-entity decision
// (update against delete) was taken by policy rather than a clean merge.
const EntityField = "$entity"

// Conflict is a detected divergence between local and remote copies of one
// entity.
type Conflict struct {
	ID         string       `json:"id"`
	EntityType string       `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Kind       ConflictKind `json:"kind"`

	Local    Snapshot  `json:"local_snapshot"`
	Remote   Snapshot  `json:"remote_snapshot"`
	Ancestor *Snapshot `json:"common_ancestor,omitempty"`

	DetectedAt time.Time      `json:"detected_at"`
	Status     ConflictStatus `json:"status"`

	// Populated only once Status is resolved.
	Resolution    *Snapshot `json:"resolution,omitempty"`
	Strategy      Strategy  `json:"strategy,omitempty"`
	ForceResolved []string  `json:"force_resolved,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at,omitempty"`
}

// Key returns the conflicting entity's key.
func (c *Conflict) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID}
}

// Open reports whether the conflict still awaits a decision.
func (c *Conflict) Open() bool {
	return c.Status == StatusPending || c.Status == StatusDeferred
}

// AllowsAutoMerge reports whether three-way merge can run for this conflict.
func (c *Conflict) AllowsAutoMerge() bool {
	return c.Ancestor != nil
}

// Clone returns a deep copy safe to hand to callers.
func (c *Conflict) Clone() Conflict {
	out := *c
	out.Local = c.Local.Clone()
	out.Remote = c.Remote.Clone()
	if c.Ancestor != nil {
		a := c.Ancestor.Clone()
		out.Ancestor = &a
	}
	if c.Resolution != nil {
		r := c.Resolution.Clone()
		out.Resolution = &r
	}
	if c.ForceResolved != nil {
		out.ForceResolved = append([]string(nil), c.ForceResolved...)
	}
	return out
}

// markResolved records a resolution. Resolved is terminal.
func (c *Conflict) markResolved(res Resolution, strategy Strategy, at time.Time) error {
	if c.Status == StatusResolved {
		return syncErrors.ErrConflictAlreadyResolved
	}
	snap := res.Snapshot.Clone()
	c.Status = StatusResolved
	c.Resolution = &snap
	c.Strategy = strategy
	c.ForceResolved = append([]string(nil), res.ForceResolved...)
	c.ResolvedAt = at
	return nil
}

// markDeferred parks a pending conflict until the next sweep.
func (c *Conflict) markDeferred() error {
	if c.Status == StatusResolved {
		return syncErrors.ErrConflictAlreadyResolved
	}
	c.Status = StatusDeferred
	return nil
}

// reopen moves a deferred conflict back to pending.
func (c *Conflict) reopen() bool {
	if c.Status != StatusDeferred {
		return false
	}
	c.Status = StatusPending
	return true
}
