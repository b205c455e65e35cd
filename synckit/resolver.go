package synckit

import (
	"fmt"
	"sort"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
)

// ResolveOptions carries the caller-supplied inputs some strategies need.
type ResolveOptions struct {
	// FieldSelections picks a side per field under field_level. The special
	// field EntityField picks a whole side for update/delete conflicts.
	FieldSelections map[string]Side

	// Manual is the complete replacement record for the manual strategy.
	Manual Record

	// RequiredFields are validated against Manual.
	RequiredFields []string
}

// ResolveOption mutates ResolveOptions.
type ResolveOption func(*ResolveOptions)

// WithFieldSelections sets per-field choices for field_level resolution.
func WithFieldSelections(sel map[string]Side) ResolveOption {
	return func(o *ResolveOptions) { o.FieldSelections = sel }
}

// WithManualRecord sets the replacement record for manual resolution.
func WithManualRecord(r Record) ResolveOption {
	return func(o *ResolveOptions) { o.Manual = r }
}

// WithRequiredFields overrides the required fields checked by manual
// resolution.
func WithRequiredFields(fields ...string) ResolveOption {
	return func(o *ResolveOptions) { o.RequiredFields = fields }
}

// Resolution is the output of Resolve. After commit, local, remote and
// ancestor all equal Snapshot, so Ancestor is the same value.
type Resolution struct {
	Key           EntityKey
	Snapshot      Snapshot
	Ancestor      Snapshot
	ForceResolved []string
}

// AmbiguityError reports the force-resolved fields, or nil when the merge was
// clean.
func (r Resolution) AmbiguityError() error {
	if len(r.ForceResolved) == 0 {
		return nil
	}
	return (&syncErrors.MergeAmbiguityError{
		EntityType: r.Key.Type,
		EntityID:   r.Key.ID,
		Fields:     append([]string(nil), r.ForceResolved...),
	}).AsSyncError()
}

// Resolve merges a conflict with the given strategy. It performs no I/O and
// does not mutate c, so identical inputs always yield identical output.
func Resolve(c Conflict, strategy Strategy, opts ResolveOptions) (Resolution, error) {
	if !strategy.Valid() {
		return Resolution{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("%w: %q", syncErrors.ErrUnknownStrategy, strategy))
	}
	if strategy.NeedsAncestor() && c.Ancestor == nil {
		return Resolution{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("%w: %s on %s:%s", syncErrors.ErrAncestorRequired, strategy, c.EntityType, c.EntityID))
	}

	var (
		snap   Snapshot
		forced []string
		err    error
	)
	switch {
	case c.Kind == KindDeleteDelete:
		snap = Snapshot{Deleted: true, Timestamp: maxTimestamp(c.Local, c.Remote)}
	case strategy == StrategyPreferLocal:
		snap = c.Local.Clone()
	case strategy == StrategyPreferRemote:
		snap = c.Remote.Clone()
	case strategy == StrategyPreferNewer:
		snap = newer(c.Local, c.Remote).Clone()
	case strategy == StrategyManual:
		snap, err = manual(c, opts)
	case strategy == StrategyFieldLevel:
		snap, forced, err = threeWay(c, opts.FieldSelections)
	default:
		snap, forced, err = threeWay(c, nil)
	}
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{
		Key:           c.Key(),
		Snapshot:      snap,
		Ancestor:      snap.Clone(),
		ForceResolved: forced,
	}, nil
}

// newer returns the side with the higher timestamp; ties go to remote.
func newer(local, remote Snapshot) Snapshot {
	if local.Timestamp > remote.Timestamp {
		return local
	}
	return remote
}

func maxTimestamp(a, b Snapshot) int64 {
	if a.Timestamp > b.Timestamp {
		return a.Timestamp
	}
	return b.Timestamp
}

func manual(c Conflict, opts ResolveOptions) (Snapshot, error) {
	if opts.Manual == nil {
		return Snapshot{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("%w: no replacement record supplied", syncErrors.ErrMissingFields))
	}
	var missing []string
	for _, f := range opts.RequiredFields {
		if _, ok := opts.Manual[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Snapshot{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("%w: %v", syncErrors.ErrMissingFields, missing))
	}
	return Snapshot{Data: opts.Manual.Clone(), Timestamp: maxTimestamp(c.Local, c.Remote)}, nil
}

// threeWay implements auto_merge and field_level. The caller guarantees an
// ancestor is present.
func threeWay(c Conflict, sel map[string]Side) (Snapshot, []string, error) {
	if err := validateSelections(sel); err != nil {
		return Snapshot{}, nil, err
	}
	ancestor := *c.Ancestor

	if c.Kind == KindUpdateDelete {
		if side, ok := sel[EntityField]; ok {
			return pick(side, c.Local, c.Remote).Clone(), nil, nil
		}
		survivor, deleted := c.Local, c.Remote
		if c.Local.Deleted {
			survivor, deleted = c.Remote, c.Local
		}
		if survivor.Equal(ancestor) {
			return deleted.Clone(), nil, nil
		}
		return c.Remote.Clone(), []string{EntityField}, nil
	}

	fields := make(map[string]struct{}, len(c.Local.Data)+len(c.Remote.Data))
	for f := range c.Local.Data {
		fields[f] = struct{}{}
	}
	for f := range c.Remote.Data {
		fields[f] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	merged := make(Record, len(names))
	var forced []string
	for _, f := range names {
		lv, lok := c.Local.Data.Lookup(f)
		rv, rok := c.Remote.Data.Lookup(f)
		av, aok := ancestor.Data.Lookup(f)

		var (
			v  any
			ok bool
		)
		if side, chosen := sel[f]; chosen {
			if side == SideLocal {
				v, ok = lv, lok
			} else {
				v, ok = rv, rok
			}
		} else {
			switch {
			case valuesEqual(lv, lok, rv, rok):
				v, ok = lv, lok
			case valuesEqual(lv, lok, av, aok):
				v, ok = rv, rok
			case valuesEqual(rv, rok, av, aok):
				v, ok = lv, lok
			default:
				v, ok = rv, rok
				forced = append(forced, f)
			}
		}
		if ok {
			merged[f] = cloneValue(v)
		}
	}

	return Snapshot{Data: merged, Timestamp: maxTimestamp(c.Local, c.Remote)}, forced, nil
}

func pick(side Side, local, remote Snapshot) Snapshot {
	if side == SideLocal {
		return local
	}
	return remote
}

func validateSelections(sel map[string]Side) error {
	var bad []string
	for f, side := range sel {
		if side != SideLocal && side != SideServer {
			bad = append(bad, f)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return syncErrors.NewValidationError(syncErrors.OpResolve,
		fmt.Errorf("%w: fields %v must select %q or %q", syncErrors.ErrInvalidSelection, bad, SideLocal, SideServer))
}
