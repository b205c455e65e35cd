package synckit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
)

// State is a registration's position in the sync state machine.
type State string

const (
	StateIdle               State = "idle"
	StateSyncing            State = "syncing"
	StateError              State = "error"
	StateReceiving          State = "receiving"
	StateAwaitingResolution State = "awaiting_resolution"
)

// Handlers are the callbacks a registration receives. Nil callbacks are
// skipped. Callbacks run outside the manager's locks and may call back into
// the manager.
type Handlers struct {
	// OnUpdate receives every snapshot that became the agreed state.
	OnUpdate func(SyncEvent)
	// OnConflict receives conflicts that need a caller decision.
	OnConflict func(Conflict)
	// OnResolved receives conflicts once resolved, including force-resolved
	// fields from an automatic merge.
	OnResolved func(Conflict)
	// OnError receives connection and cache failures.
	OnError func(error)
	// OnStateChange receives state machine transitions.
	OnStateChange func(State)
}

// Status is a point-in-time view of sync health.
type Status struct {
	Connected        bool
	LastSync         time.Time
	LastError        error
	PendingConflicts int
	PendingWrites    int
	State            State
}

// Registration binds a caller to an entity type and, optionally, one entity.
// No callback starts after Unregister returns, including callbacks for work
// that was already in flight. A callback that had already started when
// Unregister was called may still be running.
type Registration struct {
	m        *Manager
	key      EntityKey
	handlers Handlers
	gen      uint64
	sub      SubscriptionID

	alive atomic.Bool

	mu       sync.Mutex
	state    State
	lastErr  error
	lastSync time.Time
}

// Key returns the bound entity key. ID is empty for type-wide registrations.
func (r *Registration) Key() EntityKey { return r.key }

// Active reports whether the registration still receives callbacks.
func (r *Registration) Active() bool { return r.alive.Load() }

// Unregister stops all further callbacks. It does not wait for a callback
// that is already running, so a handler may unregister its own registration.
// It is safe to call more than once.
func (r *Registration) Unregister() {
	if !r.alive.CompareAndSwap(true, false) {
		return
	}
	r.m.unregister(r)
}

// Send pushes a local change for the bound entity. The local snapshot is
// stored before sending. A failed send is recorded in Status, reported to
// OnError, kept for the next reconciliation sweep and returned.
func (r *Registration) Send(ctx context.Context, data Record, op OperationKind) error {
	if !r.alive.Load() {
		return syncErrors.ErrUnregistered
	}
	if r.key.ID == "" {
		return syncErrors.NewValidationError(syncErrors.OpSend,
			errNoEntityID(r.key.Type))
	}
	if !op.Valid() {
		return syncErrors.NewValidationError(syncErrors.OpSend, errBadOperation(op))
	}
	return r.m.send(ctx, r, SyncEvent{
		EntityType: r.key.Type,
		EntityID:   r.key.ID,
		Operation:  op,
		Data:       data.Clone(),
	})
}

// LoadCachedData reads the bound entity's local state. Type-wide
// registrations read the raw "{type}" cache entry.
func (r *Registration) LoadCachedData(ctx context.Context) (Record, bool, error) {
	if !r.alive.Load() {
		return nil, false, syncErrors.ErrUnregistered
	}
	return r.m.loadCached(ctx, r.key)
}

// CacheData writes through to the offline cache. For an entity-bound
// registration the record is taken as the authoritative copy just read from
// a domain service and goes through conflict detection. Type-wide
// registrations write the raw "{type}" cache entry.
func (r *Registration) CacheData(ctx context.Context, data Record) error {
	if !r.alive.Load() {
		return syncErrors.ErrUnregistered
	}
	return r.m.cacheData(ctx, r, data)
}

// Status returns the registration's view of sync health.
func (r *Registration) Status() Status {
	st := r.m.statusFor(r.key)
	r.mu.Lock()
	defer r.mu.Unlock()
	st.State = r.state
	st.LastError = r.lastErr
	if !r.lastSync.IsZero() {
		st.LastSync = r.lastSync
	}
	return st
}

func (r *Registration) matches(key EntityKey) bool {
	return r.key.Type == key.Type && (r.key.ID == "" || r.key.ID == key.ID)
}

func (r *Registration) setState(s State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()
	if changed && r.alive.Load() && r.handlers.OnStateChange != nil {
		r.handlers.OnStateChange(s)
	}
}

func (r *Registration) recordSuccess(at time.Time) {
	r.mu.Lock()
	r.lastSync = at
	r.lastErr = nil
	r.mu.Unlock()
}

func (r *Registration) fail(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	if r.alive.Load() && r.handlers.OnError != nil {
		r.handlers.OnError(err)
	}
}

func (r *Registration) deliverUpdate(e SyncEvent) {
	if r.alive.Load() && r.handlers.OnUpdate != nil {
		r.handlers.OnUpdate(e)
	}
}

func (r *Registration) deliverConflict(c Conflict) {
	if r.alive.Load() && r.handlers.OnConflict != nil {
		r.handlers.OnConflict(c)
	}
}

func (r *Registration) deliverResolved(c Conflict) {
	if r.alive.Load() && r.handlers.OnResolved != nil {
		r.handlers.OnResolved(c)
	}
}
