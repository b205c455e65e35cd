package synckit

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the detector's verdict for an incoming remote snapshot.
type Outcome int

const (
	// OutcomeAdopt means the remote snapshot becomes the new baseline.
	OutcomeAdopt Outcome = iota
	// OutcomeInSync means both sides already agree.
	OutcomeInSync
	// OutcomeKeepLocal means only the local side moved since the ancestor;
	// the local edit is still waiting to be sent.
	OutcomeKeepLocal
	// OutcomeConflict means both sides diverged and a Conflict was emitted.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdopt:
		return "adopt"
	case OutcomeInSync:
		return "in_sync"
	case OutcomeKeepLocal:
		return "keep_local"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Detection is the result of Detect. Conflict is set only for OutcomeConflict.
type Detection struct {
	Outcome  Outcome
	Conflict *Conflict
}

// Detector classifies divergence between stored and incoming snapshots.
type Detector struct {
	now   func() time.Time
	newID func() string
}

// NewDetector returns a detector using the wall clock and random uuids.
func NewDetector() *Detector {
	return &Detector{now: time.Now, newID: uuid.NewString}
}

// Detect compares an incoming remote snapshot with the stored state.
//
// The base for the comparison is the ancestor, except when the stored remote
// side differs from it: the local side then holds a resolution the remote
// side has not received, and the remote snapshot it was resolved against is
// the last state both sides are known to share.
func (d *Detector) Detect(key EntityKey, stored Versioned, remote Snapshot) Detection {
	if stored.Local == nil {
		return Detection{Outcome: OutcomeAdopt}
	}
	local := *stored.Local
	base := detectionBase(stored)
	bothDeleted := local.Deleted && remote.Deleted
	if bothDeleted && (base == nil || !base.Deleted) {
		// Both sides deleted independently. Reported so the manager can
		// record the trivially resolved delete.
		return d.emit(key, base, local, remote)
	}
	if local.Equal(remote) {
		return Detection{Outcome: OutcomeInSync}
	}
	if base != nil {
		switch {
		case local.Equal(*base):
			return Detection{Outcome: OutcomeAdopt}
		case remote.Equal(*base):
			return Detection{Outcome: OutcomeKeepLocal}
		}
	}
	return d.emit(key, base, local, remote)
}

func detectionBase(stored Versioned) *Snapshot {
	if stored.Ancestor != nil && stored.Remote != nil && !stored.Remote.Equal(*stored.Ancestor) {
		return stored.Remote
	}
	return stored.Ancestor
}

func (d *Detector) emit(key EntityKey, base *Snapshot, local, remote Snapshot) Detection {
	c := &Conflict{
		ID:         d.newID(),
		EntityType: key.Type,
		EntityID:   key.ID,
		Kind:       classify(local, remote),
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: d.now(),
		Status:     StatusPending,
	}
	if base != nil {
		a := base.Clone()
		c.Ancestor = &a
	}
	return Detection{Outcome: OutcomeConflict, Conflict: c}
}

func classify(local, remote Snapshot) ConflictKind {
	switch {
	case local.Deleted && remote.Deleted:
		return KindDeleteDelete
	case local.Deleted || remote.Deleted:
		return KindUpdateDelete
	default:
		return KindUpdateUpdate
	}
}
