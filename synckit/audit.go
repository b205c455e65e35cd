package synckit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry captures one committed resolution: both sides as they were,
// the result, and who or what decided it.
type AuditEntry struct {
	ID         string       `json:"id"`
	ConflictID string       `json:"conflict_id"`
	EntityType string       `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Kind       ConflictKind `json:"kind"`

	Strategy Strategy `json:"strategy"`
	// RuleName is the policy rule that resolved the conflict automatically.
	// Empty when the caller resolved it.
	RuleName      string   `json:"rule_name,omitempty"`
	ForceResolved []string `json:"force_resolved,omitempty"`

	Local    Snapshot  `json:"local"`
	Remote   Snapshot  `json:"remote"`
	Ancestor *Snapshot `json:"ancestor,omitempty"`
	Result   Snapshot  `json:"result"`

	// ResolvedBy is the manager's origin user.
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Key returns the entity the entry belongs to.
func (e AuditEntry) Key() EntityKey { return EntityKey{Type: e.EntityType, ID: e.EntityID} }

// AuditLog stores resolution history.
type AuditLog interface {
	// Append stores an entry. Entries are immutable once appended.
	Append(ctx context.Context, e AuditEntry) error

	// List returns entries matching criteria, oldest first.
	List(ctx context.Context, criteria AuditCriteria) ([]AuditEntry, error)
}

// AuditCriteria filters audit queries. Zero fields match everything.
type AuditCriteria struct {
	EntityType string
	EntityID   string
	Strategy   Strategy
	// Automatic restricts the result to policy resolutions when true.
	Automatic bool
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

func (c AuditCriteria) matches(e AuditEntry) bool {
	switch {
	case c.EntityType != "" && e.EntityType != c.EntityType:
		return false
	case c.EntityID != "" && e.EntityID != c.EntityID:
		return false
	case c.Strategy != "" && e.Strategy != c.Strategy:
		return false
	case c.Automatic && e.RuleName == "":
		return false
	case !c.From.IsZero() && e.ResolvedAt.Before(c.From):
		return false
	case !c.To.IsZero() && e.ResolvedAt.After(c.To):
		return false
	}
	return true
}

// MemoryAuditLog keeps the audit trail in process memory.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

var _ AuditLog = (*MemoryAuditLog)(nil)

// NewMemoryAuditLog returns an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(_ context.Context, e AuditEntry) error {
	if e.ConflictID == "" {
		return fmt.Errorf("audit entry for %s has no conflict id", e.Key())
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	l.mu.Lock()
	l.entries = append(l.entries, e.clone())
	l.mu.Unlock()
	return nil
}

func (l *MemoryAuditLog) List(_ context.Context, criteria AuditCriteria) ([]AuditEntry, error) {
	l.mu.RLock()
	var out []AuditEntry
	for _, e := range l.entries {
		if criteria.matches(e) {
			out = append(out, e.clone())
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ResolvedAt.Before(out[j].ResolvedAt) })
	if criteria.Offset > 0 {
		if criteria.Offset >= len(out) {
			return nil, nil
		}
		out = out[criteria.Offset:]
	}
	if criteria.Limit > 0 && criteria.Limit < len(out) {
		out = out[:criteria.Limit]
	}
	return out, nil
}

// Trail returns every resolution recorded for one entity.
func Trail(ctx context.Context, log AuditLog, key EntityKey) ([]AuditEntry, error) {
	return log.List(ctx, AuditCriteria{EntityType: key.Type, EntityID: key.ID})
}

func (e AuditEntry) clone() AuditEntry {
	out := e
	out.Local = e.Local.Clone()
	out.Remote = e.Remote.Clone()
	out.Result = e.Result.Clone()
	if e.Ancestor != nil {
		a := e.Ancestor.Clone()
		out.Ancestor = &a
	}
	if e.ForceResolved != nil {
		out.ForceResolved = append([]string(nil), e.ForceResolved...)
	}
	return out
}

func newAuditEntry(c *Conflict, res Resolution, strategy Strategy, rule, user string, at time.Time) AuditEntry {
	snap := c.Clone()
	return AuditEntry{
		ConflictID:    c.ID,
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		Kind:          c.Kind,
		Strategy:      strategy,
		RuleName:      rule,
		ForceResolved: append([]string(nil), res.ForceResolved...),
		Local:         snap.Local,
		Remote:        snap.Remote,
		Ancestor:      snap.Ancestor,
		Result:        res.Snapshot.Clone(),
		ResolvedBy:    user,
		ResolvedAt:    at,
	}
}
