// Package synckit reconciles locally cached entities against their
// authoritative remote copies. A Manager wires the versioned store, the
// conflict detector and resolver, the event buses and the connection monitor
// behind a registration-based API.
package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/synckit/codec"
)

// Fallback selects what Manager.Snapshot returns for an entity whose
// conflict is still open.
type Fallback int

const (
	// NoFallback makes Snapshot fail with CONFLICT_UNRESOLVED.
	NoFallback Fallback = iota
	// FallbackLocal returns the conflict's local side.
	FallbackLocal
	// FallbackRemote returns the conflict's remote side.
	FallbackRemote
)

// Manager is the sync facade.
type Manager struct {
	cfg        Config
	cache      OfflineCache
	channel    PushChannel
	fetcher    Fetcher
	registry   *codec.Registry
	policy     *Policy
	audit      AuditLog
	metrics    MetricsCollector
	logger     *slog.Logger
	now        func() time.Time
	originUser string

	store    *Store
	detector *Detector
	inbound  *Bus
	outbound *Bus
	monitor  *Monitor

	ctx    context.Context
	cancel context.CancelFunc

	watchMu sync.Mutex
	types   map[string]*typeWatch

	mu        sync.Mutex
	closed    bool
	conflicts map[string]*Conflict
	entities  map[EntityKey]*entityState
	regs      map[*Registration]struct{}
	nextGen   uint64
	lastSync  time.Time
	lastErr   error
}

type typeWatch struct {
	refs     int
	listener ListenerID
	sub      SubscriptionID
}

// entityState tracks one entity. work serializes every store mutation for
// the entity; the other fields are guarded by Manager.mu.
type entityState struct {
	work    sync.Mutex
	active  string
	queued  []SyncEvent
	pending *SyncEvent
}

// NewManager builds a Manager. WithCache and WithChannel are required.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:       DefaultConfig(),
		registry:  codec.NewDefaultRegistry(),
		metrics:   NoOpMetricsCollector{},
		now:       time.Now,
		types:     make(map[string]*typeWatch),
		conflicts: make(map[string]*Conflict),
		entities:  make(map[EntityKey]*entityState),
		regs:      make(map[*Registration]struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, fmt.Errorf("synckit.NewManager: %w", err)
		}
	}
	if m.cache == nil {
		return nil, errors.New("synckit.NewManager: cache is required (use WithCache(...))")
	}
	if m.channel == nil {
		return nil, errors.New("synckit.NewManager: channel is required (use WithChannel(...))")
	}
	if m.logger == nil {
		m.logger = logging.Default().Logger
	}
	if m.policy == nil {
		m.policy = m.cfg.Policy()
	}

	m.store = NewStore(m.cache, m.logger)
	m.detector = NewDetector()
	m.detector.now = m.now
	m.inbound = NewBus(m.logger.With("bus", "inbound"))
	m.outbound = NewBus(m.logger.With("bus", "outbound"))
	m.monitor = NewMonitor(m.channel, m.cfg.MonitorOptions(), m.onReconnect, m.onConnectivity, m.logger)
	m.monitor.now = m.now
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.logger = m.logger.With("component", "manager")
	return m, nil
}

// Registry returns the payload codec registry.
func (m *Manager) Registry() *codec.Registry { return m.registry }

// Start restores the outbox from the offline cache when the cache can list
// its keys, then launches the connection monitor. The first poll that sees
// the channel connected runs a reconciliation sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return syncErrors.ErrClosed
	}
	if lister, ok := m.cache.(KeyLister); ok {
		m.restorePending(ctx, lister)
	}
	m.monitor.Start(ctx)
	return nil
}

// restorePending marks every cached entity whose local snapshot never
// reached the remote side as an unsent write. Failures are recorded and
// leave the affected entities out of the outbox.
func (m *Manager) restorePending(ctx context.Context, lister KeyLister) {
	keys, err := lister.Keys(ctx, "")
	if err != nil {
		m.recordError(syncErrors.NewCacheError(syncErrors.OpCacheRead, "*", err))
		return
	}
	restored := 0
	for _, k := range keys {
		entityType, entityID, ok := strings.Cut(k, ":")
		if !ok || entityType == "" || entityID == "" {
			continue
		}
		key := EntityKey{Type: entityType, ID: entityID}
		v := m.store.Get(ctx, key)
		if !v.Unsent() {
			continue
		}
		op := OpUpdate
		if v.Ancestor == nil {
			op = OpCreate
		}
		e := v.Local.Event(key, op)
		if e.OriginUserID == "" {
			e.OriginUserID = m.originUser
		}

		m.mu.Lock()
		if st := m.entityLocked(key); st.pending == nil {
			st.pending = &e
			restored++
		}
		m.mu.Unlock()
	}
	if restored > 0 {
		m.logger.Info("restored unsent writes from offline cache", "entities", restored)
	}
}

// Close stops the monitor, unregisters every registration and rejects
// further calls. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	regs := make([]*Registration, 0, len(m.regs))
	for r := range m.regs {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	m.monitor.Stop()
	for _, r := range regs {
		r.Unregister()
	}
	m.cancel()
	m.logger.Info("sync manager closed")
	return nil
}

// Register binds handlers to entityType and, when entityID is not empty, to
// that single entity. The first registration for a type starts listening on
// the push channel for it.
func (m *Manager) Register(entityType, entityID string, h Handlers) (*Registration, error) {
	if entityType == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpSubscribe, errors.New("entity type is required"))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, syncErrors.ErrClosed
	}
	m.nextGen++
	r := &Registration{
		m:        m,
		key:      EntityKey{Type: entityType, ID: entityID},
		handlers: h,
		gen:      m.nextGen,
		state:    StateIdle,
	}
	r.alive.Store(true)
	m.regs[r] = struct{}{}
	m.mu.Unlock()

	r.sub = m.outbound.Subscribe(entityType, entityID, r.deliverUpdate)
	m.watch(entityType)

	m.logger.Debug("registered", "entity", r.key.String(), "generation", r.gen)
	return r, nil
}

func (m *Manager) watch(entityType string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	w, ok := m.types[entityType]
	if !ok {
		w = &typeWatch{}
		m.types[entityType] = w
		w.sub = m.inbound.Subscribe(entityType, "", m.onInbound)
		w.listener = m.channel.AddListener(entityType, m.inbound.Publish)
	}
	w.refs++
}

func (m *Manager) unregister(r *Registration) {
	m.outbound.Unsubscribe(r.sub)

	m.mu.Lock()
	delete(m.regs, r)
	m.mu.Unlock()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	w, ok := m.types[r.key.Type]
	if !ok {
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(m.types, r.key.Type)
		m.channel.RemoveListener(r.key.Type, w.listener)
		m.inbound.Unsubscribe(w.sub)
	}
	m.logger.Debug("unregistered", "entity", r.key.String(), "generation", r.gen)
}

func (m *Manager) onInbound(e SyncEvent) {
	m.ingest(m.ctx, e)
}

// ingest runs an inbound change through detection. Events for an entity
// awaiting resolution are queued until it resolves.
func (m *Manager) ingest(ctx context.Context, e SyncEvent) {
	if e.EntityType == "" || e.EntityID == "" || !e.Operation.Valid() {
		m.logger.Warn("dropping malformed event",
			"entity_type", e.EntityType, "entity_id", e.EntityID, "operation", e.Operation)
		return
	}
	key := e.Key()
	st := m.entity(key)
	if st == nil {
		return
	}
	m.dispatch(ctx, effects{notices: []notice{{kind: noticeState, key: key, state: StateReceiving}}})

	st.work.Lock()
	m.mu.Lock()
	if st.active != "" {
		active := st.active
		if c, ok := m.conflicts[active]; ok && c.Remote.Equal(e.Snapshot()) {
			m.mu.Unlock()
			st.work.Unlock()
			m.entityLogger(key).Debug("dropping event already captured by open conflict", "conflict_id", active)
			return
		}
		st.queued = append(st.queued, e)
		m.mu.Unlock()
		st.work.Unlock()
		m.entityLogger(key).Debug("queued event behind open conflict", "conflict_id", active)
		m.dispatch(ctx, effects{notices: []notice{{kind: noticeState, key: key, state: StateAwaitingResolution}}})
		return
	}
	m.mu.Unlock()
	eff := m.apply(ctx, key, e)
	st.work.Unlock()

	m.dispatch(ctx, eff)
}

// apply detects and stores one remote snapshot. The caller holds the
// entity's work lock.
func (m *Manager) apply(ctx context.Context, key EntityKey, e SyncEvent) effects {
	remote := e.Snapshot()
	stored := m.store.Get(ctx, key)
	det := m.detector.Detect(key, stored, remote)
	m.metrics.RecordEventReceived(key.Type, det.Outcome.String())

	var eff effects
	switch det.Outcome {
	case OutcomeAdopt, OutcomeInSync:
		if err := m.store.CommitResolved(ctx, key, remote); err != nil {
			eff.fail(key, err)
		}
		m.mu.Lock()
		if st := m.entities[key]; st != nil {
			st.pending = nil
		}
		m.lastSync = m.now()
		m.mu.Unlock()
		if det.Outcome == OutcomeAdopt {
			eff.update(remote.Event(key, e.Operation))
		}
		eff.state(key, StateIdle)
	case OutcomeKeepLocal:
		if err := m.store.PutRemote(ctx, key, remote); err != nil {
			eff.fail(key, err)
		}
		eff.state(key, StateIdle)
	case OutcomeConflict:
		m.onConflict(ctx, det.Conflict, &eff)
	}
	return eff
}

func (m *Manager) onConflict(ctx context.Context, c *Conflict, eff *effects) {
	key := c.Key()
	m.metrics.RecordConflictDetected(key.Type, c.Kind)

	if c.Kind == KindDeleteDelete {
		res, err := Resolve(*c, StrategyPreferRemote, ResolveOptions{})
		if err == nil {
			m.commit(ctx, c, res, StrategyPreferRemote, "delete_delete", eff)
			return
		}
	}

	if rule, ok := m.policy.Match(*c); ok {
		res, err := Resolve(*c, rule.Strategy, ResolveOptions{})
		if err == nil {
			m.entityLogger(key).Info("conflict auto-resolved", "conflict_id", c.ID, "rule", rule.Name,
				"strategy", rule.Strategy, "force_resolved", res.ForceResolved)
			m.mu.Lock()
			m.conflicts[c.ID] = c
			m.mu.Unlock()
			m.commit(ctx, c, res, rule.Strategy, rule.Name, eff)
			return
		}
		m.entityLogger(key).Warn("policy strategy failed, awaiting caller", "rule", rule.Name, "error", err)
	}

	m.mu.Lock()
	m.conflicts[c.ID] = c
	if st := m.entities[key]; st != nil {
		st.active = c.ID
	}
	pending := c.Clone()
	m.mu.Unlock()

	m.entityLogger(key).Info("conflict detected", "conflict_id", c.ID, "kind", c.Kind,
		"has_ancestor", c.Ancestor != nil)
	eff.conflict(pending)
	eff.state(key, StateAwaitingResolution)
}

// commit stores a resolution as the new baseline. The caller holds the
// entity's work lock. A resolution that differs from the remote side is
// queued for sending. rule names the policy rule, empty for the caller.
func (m *Manager) commit(ctx context.Context, c *Conflict, res Resolution, strategy Strategy, rule string, eff *effects) {
	key := c.Key()
	unsent := !res.Snapshot.Equal(c.Remote)
	var err error
	if unsent {
		err = m.store.CommitUnsent(ctx, key, res.Snapshot, c.Remote)
	} else {
		err = m.store.CommitResolved(ctx, key, res.Snapshot)
	}
	if err != nil {
		eff.fail(key, err)
	}

	m.mu.Lock()
	_ = c.markResolved(res, strategy, m.now())
	var out *SyncEvent
	if st := m.entities[key]; st != nil {
		if st.active == c.ID {
			st.active = ""
		}
		st.pending = nil
		if unsent {
			ev := res.Snapshot.Event(key, OpUpdate)
			if ev.OriginUserID == "" {
				ev.OriginUserID = m.originUser
			}
			st.pending = &ev
			out = &ev
		}
	}
	resolved := c.Clone()
	m.mu.Unlock()

	m.metrics.RecordConflictResolved(key.Type, strategy, len(res.ForceResolved))
	if m.audit != nil {
		entry := newAuditEntry(&resolved, res, strategy, rule, m.originUser, resolved.ResolvedAt)
		if err := m.audit.Append(ctx, entry); err != nil {
			m.entityLogger(key).Warn("audit append failed", "conflict_id", c.ID, "error", err)
		}
	}
	eff.update(res.Snapshot.Event(key, OpUpdate))
	eff.resolved(resolved)
	eff.state(key, StateIdle)
	if out != nil {
		eff.sends = append(eff.sends, *out)
	}
}

// drainQueued applies events that waited behind a conflict until the queue
// is empty or a new conflict opens. The caller holds the work lock.
func (m *Manager) drainQueued(ctx context.Context, key EntityKey, st *entityState, eff *effects) {
	for {
		m.mu.Lock()
		if st.active != "" || len(st.queued) == 0 {
			m.mu.Unlock()
			return
		}
		e := st.queued[0]
		st.queued = st.queued[1:]
		m.mu.Unlock()

		next := m.apply(ctx, key, e)
		eff.notices = append(eff.notices, next.notices...)
		eff.sends = append(eff.sends, next.sends...)
	}
}

// Resolve applies strategy to a pending or deferred conflict, commits the
// result as the entity's new baseline, sends it when it differs from the
// remote side and then processes events queued behind the conflict.
func (m *Manager) Resolve(ctx context.Context, conflictID string, strategy Strategy, opts ...ResolveOption) (Resolution, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Resolution{}, syncErrors.ErrClosed
	}
	c, ok := m.conflicts[conflictID]
	if !ok {
		m.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", syncErrors.ErrConflictNotFound, conflictID)
	}
	key := c.Key()
	st := m.entityLocked(key)
	m.mu.Unlock()

	o := ResolveOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if strategy == StrategyManual && o.RequiredFields == nil {
		o.RequiredFields = m.registry.RequiredFields(key.Type)
	}

	st.work.Lock()
	m.mu.Lock()
	if c.Status == StatusResolved {
		m.mu.Unlock()
		st.work.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", syncErrors.ErrConflictAlreadyResolved, conflictID)
	}
	snapshot := c.Clone()
	m.mu.Unlock()

	res, err := Resolve(snapshot, strategy, o)
	if err != nil {
		st.work.Unlock()
		m.metrics.RecordSyncError(string(syncErrors.OpResolve), string(syncErrors.ErrCodeValidationFailure))
		return Resolution{}, err
	}

	var eff effects
	m.commit(ctx, c, res, strategy, "", &eff)
	m.drainQueued(ctx, key, st, &eff)
	st.work.Unlock()

	m.entityLogger(key).Info("conflict resolved", "conflict_id", conflictID,
		"strategy", strategy, "force_resolved", res.ForceResolved)
	m.dispatch(ctx, eff)
	return res, nil
}

// AuditTrail returns the recorded resolutions for one entity, oldest first.
// It returns nil when no audit log is configured.
func (m *Manager) AuditTrail(ctx context.Context, entityType, entityID string) ([]AuditEntry, error) {
	if m.audit == nil {
		return nil, nil
	}
	return Trail(ctx, m.audit, EntityKey{Type: entityType, ID: entityID})
}

// Defer parks an open conflict until the next reconciliation sweep. The
// entity stays blocked behind it.
func (m *Manager) Defer(conflictID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		return fmt.Errorf("%w: %s", syncErrors.ErrConflictNotFound, conflictID)
	}
	return c.markDeferred()
}

// Purge forgets a resolved conflict. Open conflicts cannot be purged.
func (m *Manager) Purge(conflictID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		return fmt.Errorf("%w: %s", syncErrors.ErrConflictNotFound, conflictID)
	}
	if c.Open() {
		return syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("conflict %s is %s and cannot be purged", conflictID, c.Status))
	}
	delete(m.conflicts, conflictID)
	return nil
}

// PurgeResolved forgets every resolved conflict and returns how many were
// dropped.
func (m *Manager) PurgeResolved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.conflicts {
		if c.Status == StatusResolved {
			delete(m.conflicts, id)
			n++
		}
	}
	return n
}

// Conflict returns a conflict by id.
func (m *Manager) Conflict(conflictID string) (Conflict, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		return Conflict{}, false
	}
	return c.Clone(), true
}

// ListPendingConflicts returns open (pending or deferred) conflicts,
// oldest first. An empty entityType lists every type.
func (m *Manager) ListPendingConflicts(entityType string) []Conflict {
	m.mu.Lock()
	out := make([]Conflict, 0)
	for _, c := range m.conflicts {
		if !c.Open() || (entityType != "" && c.EntityType != entityType) {
			continue
		}
		out = append(out, c.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns the definitive local state of an entity. While a conflict
// is open it fails with CONFLICT_UNRESOLVED unless a fallback side is asked
// for. The boolean is false when the entity is unknown.
func (m *Manager) Snapshot(ctx context.Context, entityType, entityID string, fallback Fallback) (Snapshot, bool, error) {
	key := EntityKey{Type: entityType, ID: entityID}

	m.mu.Lock()
	var open *Conflict
	if st := m.entities[key]; st != nil && st.active != "" {
		if c, ok := m.conflicts[st.active]; ok {
			cp := c.Clone()
			open = &cp
		}
	}
	m.mu.Unlock()

	if open != nil {
		switch fallback {
		case FallbackLocal:
			return open.Local, true, nil
		case FallbackRemote:
			return open.Remote, true, nil
		default:
			return Snapshot{}, false, syncErrors.NewConflictUnresolvedError(entityType, entityID, open.ID)
		}
	}

	v := m.store.Get(ctx, key)
	if v.Local == nil {
		return Snapshot{}, false, nil
	}
	return *v.Local, true, nil
}

// Status returns manager-wide sync health.
func (m *Manager) Status() Status {
	return m.statusFor(EntityKey{})
}

func (m *Manager) statusFor(filter EntityKey) Status {
	st := Status{Connected: m.monitor.Connected(), State: StateIdle}

	m.mu.Lock()
	defer m.mu.Unlock()
	st.LastSync = m.lastSync
	st.LastError = m.lastErr
	for _, c := range m.conflicts {
		if c.Open() && keyMatches(filter, c.Key()) {
			st.PendingConflicts++
		}
	}
	for key, es := range m.entities {
		if es.pending != nil && keyMatches(filter, key) {
			st.PendingWrites++
		}
	}
	return st
}

func keyMatches(filter, key EntityKey) bool {
	if filter.Type == "" {
		return true
	}
	return filter.Type == key.Type && (filter.ID == "" || filter.ID == key.ID)
}

// Reconcile reopens deferred conflicts, re-fetches remote snapshots for
// entities with deferred conflicts or unsent writes, re-runs detection and
// resends the outbox. Entities are processed concurrently up to the
// configured limit.
func (m *Manager) Reconcile(ctx context.Context) error {
	start := m.now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return syncErrors.ErrClosed
	}
	targets := make(map[EntityKey]struct{})
	var reopened []Conflict
	for _, c := range m.conflicts {
		if c.reopen() {
			targets[c.Key()] = struct{}{}
			reopened = append(reopened, c.Clone())
		}
	}
	for key, st := range m.entities {
		if st.pending != nil {
			targets[key] = struct{}{}
		}
	}
	m.mu.Unlock()

	var eff effects
	for _, c := range reopened {
		eff.conflict(c)
	}
	m.dispatch(ctx, eff)

	keys := make([]EntityKey, 0, len(targets))
	for k := range targets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	limit := m.cfg.Reconcile.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, key := range keys {
		key := key
		g.Go(func() error { return m.reconcileEntity(ctx, key) })
	}
	err := g.Wait()

	m.metrics.RecordReconcile(m.now().Sub(start), len(keys))
	m.logger.Info("reconciliation sweep finished", "entities", len(keys), "reopened", len(reopened), "error", err)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpReconcile, "manager")
	}
	return nil
}

func (m *Manager) reconcileEntity(ctx context.Context, key EntityKey) error {
	if m.fetcher != nil {
		snap, ok, err := m.fetcher.Fetch(ctx, key.Type, key.ID)
		if err != nil {
			var serr *syncErrors.SyncError
			if !errors.As(err, &serr) {
				serr = syncErrors.NewConnectionError(syncErrors.OpFetch, err)
			}
			m.recordError(serr)
			return serr
		}
		if ok {
			m.refetched(ctx, key, snap)
		}
	}

	m.mu.Lock()
	var out *SyncEvent
	if st := m.entities[key]; st != nil && st.active == "" && st.pending != nil {
		cp := *st.pending
		out = &cp
	}
	m.mu.Unlock()
	if out == nil {
		return nil
	}
	return m.resend(ctx, *out)
}

// refetched applies a snapshot re-read during a sweep. An open conflict
// takes it as its remote side instead of queueing it behind the stale one.
func (m *Manager) refetched(ctx context.Context, key EntityKey, remote Snapshot) {
	st := m.entity(key)
	if st == nil {
		return
	}
	st.work.Lock()
	m.mu.Lock()
	var open *Conflict
	if st.active != "" {
		open = m.conflicts[st.active]
	}
	m.mu.Unlock()

	var eff effects
	if open == nil {
		eff = m.apply(ctx, key, remote.Event(key, OpUpdate))
	} else {
		m.refreshConflict(ctx, st, open, remote, &eff)
	}
	st.work.Unlock()
	m.dispatch(ctx, eff)
}

// refreshConflict replaces an open conflict's remote side with a newer
// authoritative copy. Queued events the copy already covers are dropped. A
// conflict the copy settles is resolved; any other is offered again. The
// caller holds the entity's work lock.
func (m *Manager) refreshConflict(ctx context.Context, st *entityState, c *Conflict, remote Snapshot, eff *effects) {
	key := c.Key()
	m.mu.Lock()
	if c.Remote.Equal(remote) {
		m.mu.Unlock()
		return
	}
	c.Remote = remote.Clone()
	c.Kind = classify(c.Local, c.Remote)
	kept := st.queued[:0]
	for _, q := range st.queued {
		if q.Timestamp > remote.Timestamp {
			kept = append(kept, q)
		}
	}
	st.queued = kept
	current := c.Clone()
	m.mu.Unlock()

	log := m.entityLogger(key)
	log.Info("open conflict refreshed from re-fetched remote", "conflict_id", c.ID, "kind", current.Kind)

	if current.Local.Equal(current.Remote) {
		if res, err := Resolve(current, StrategyPreferRemote, ResolveOptions{}); err == nil {
			m.commit(ctx, c, res, StrategyPreferRemote, "in_sync", eff)
			m.drainQueued(ctx, key, st, eff)
			return
		}
	}
	if rule, ok := m.policy.Match(current); ok {
		if res, err := Resolve(current, rule.Strategy, ResolveOptions{}); err == nil {
			log.Info("conflict auto-resolved", "conflict_id", c.ID, "rule", rule.Name,
				"strategy", rule.Strategy, "force_resolved", res.ForceResolved)
			m.commit(ctx, c, res, rule.Strategy, rule.Name, eff)
			m.drainQueued(ctx, key, st, eff)
			return
		}
	}
	eff.conflict(current)
	eff.state(key, StateAwaitingResolution)
}

func (m *Manager) onReconnect(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil && !errors.Is(err, syncErrors.ErrClosed) {
		m.logger.Warn("reconciliation after reconnect failed", "error", err)
	}
}

func (m *Manager) onConnectivity(connected bool) {
	m.metrics.SetConnected(connected)
	if connected {
		return
	}
	err := syncErrors.NewConnectionError(syncErrors.OpPoll, errors.New("push channel disconnected"))
	m.recordError(err)

	m.mu.Lock()
	regs := make([]*Registration, 0, len(m.regs))
	for r := range m.regs {
		regs = append(regs, r)
	}
	m.mu.Unlock()
	for _, r := range regs {
		r.fail(err)
	}
}

// send stores a local change and pushes it on the channel.
func (m *Manager) send(ctx context.Context, r *Registration, e SyncEvent) error {
	if e.Timestamp == 0 {
		e.Timestamp = m.now().UnixMilli()
	}
	if e.OriginUserID == "" {
		e.OriginUserID = m.originUser
	}
	key := e.Key()
	st := m.entity(key)
	if st == nil {
		return syncErrors.ErrClosed
	}

	st.work.Lock()
	m.mu.Lock()
	active := st.active
	if active == "" {
		cp := e
		st.pending = &cp
	}
	m.mu.Unlock()
	if active != "" {
		st.work.Unlock()
		return syncErrors.NewConflictUnresolvedError(key.Type, key.ID, active)
	}
	cacheErr := m.store.PutLocal(ctx, key, e.Snapshot())
	st.work.Unlock()

	if cacheErr != nil {
		m.recordError(cacheErr)
		r.fail(cacheErr)
	}

	r.setState(StateSyncing)
	if err := m.push(ctx, e); err != nil {
		r.fail(err)
		r.setState(StateError)
		return err
	}
	r.recordSuccess(m.now())
	r.setState(StateIdle)
	return nil
}

// SendPayload encodes a typed payload with the registry and sends it.
func (r *Registration) SendPayload(ctx context.Context, p codec.Payload, op OperationKind) error {
	if p.EntityType() != r.key.Type {
		return syncErrors.NewValidationError(syncErrors.OpSend,
			fmt.Errorf("payload type %q does not match registration type %q", p.EntityType(), r.key.Type))
	}
	rec, err := r.m.registry.Encode(p)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpSend, err)
	}
	return r.Send(ctx, rec, op)
}

// push sends e and, on success, makes it the entity's baseline unless the
// local copy moved on in the meantime. A send that moved the baseline is
// announced to registrations.
func (m *Manager) push(ctx context.Context, e SyncEvent) error {
	if m.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
	}

	start := m.now()
	err := m.channel.Send(ctx, e)
	m.metrics.RecordSendDuration(e.EntityType, m.now().Sub(start), err == nil)
	if err != nil {
		var serr *syncErrors.SyncError
		if !errors.As(err, &serr) {
			serr = syncErrors.NewConnectionError(syncErrors.OpSend, err)
		}
		m.recordError(serr)
		return serr
	}

	if m.confirmSent(ctx, e) {
		m.outbound.Publish(e)
	}
	return nil
}

func (m *Manager) confirmSent(ctx context.Context, e SyncEvent) bool {
	key := e.Key()
	st := m.entity(key)
	if st == nil {
		return false
	}
	st.work.Lock()
	defer st.work.Unlock()

	m.mu.Lock()
	if st.pending != nil && sameEvent(*st.pending, e) {
		st.pending = nil
	}
	active := st.active
	m.lastSync = m.now()
	m.mu.Unlock()
	if active != "" {
		return false
	}

	snap := e.Snapshot()
	stored := m.store.Get(ctx, key)
	if stored.Local == nil || !stored.Local.Equal(snap) {
		return false
	}
	// A sent resolution already moved the ancestor and was announced when
	// it was committed; only the remote side catches up here.
	moved := stored.Ancestor == nil || !stored.Ancestor.Equal(snap)
	if !moved && stored.Remote != nil && stored.Remote.Equal(snap) {
		return false
	}
	if err := m.store.CommitResolved(ctx, key, *stored.Local); err != nil {
		m.recordError(err)
	}
	return moved
}

// isPending reports whether e is still the entity's unsent write and may go
// out now. A later adoption or resolution supersedes it; a conflict opened
// since holds it back.
func (m *Manager) isPending(e SyncEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.entities[e.Key()]
	return st != nil && st.active == "" && st.pending != nil && sameEvent(*st.pending, e)
}

// dropPending forgets e as the entity's unsent write.
func (m *Manager) dropPending(e SyncEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.entities[e.Key()]; st != nil && st.pending != nil && sameEvent(*st.pending, e) {
		st.pending = nil
	}
}

// resend pushes an outbox entry. A rejection that no retry can fix drops
// the entry instead of failing every later sweep.
func (m *Manager) resend(ctx context.Context, e SyncEvent) error {
	err := m.push(ctx, e)
	if err == nil || syncErrors.IsRetryable(err) {
		return err
	}
	m.dropPending(e)
	m.entityLogger(e.Key()).Error("outbox entry rejected, dropped", "operation", e.Operation, "error", err)
	return nil
}

func (m *Manager) entityLogger(key EntityKey) *slog.Logger {
	return (&logging.Logger{Logger: m.logger}).WithEntity(key.Type, key.ID).Logger
}

func sameEvent(a, b SyncEvent) bool {
	return a.EntityType == b.EntityType &&
		a.EntityID == b.EntityID &&
		a.Operation == b.Operation &&
		a.Timestamp == b.Timestamp &&
		a.Data.Equal(b.Data)
}

func (m *Manager) loadCached(ctx context.Context, key EntityKey) (Record, bool, error) {
	if key.ID == "" {
		rec, ok, err := m.cache.GetCachedData(ctx, key.String())
		if err != nil {
			serr := syncErrors.NewCacheError(syncErrors.OpCacheRead, key.String(), err)
			m.recordError(serr)
			return nil, false, serr
		}
		return rec, ok, nil
	}
	v := m.store.Get(ctx, key)
	if v.Local == nil || v.Local.Deleted {
		return nil, false, nil
	}
	return v.Local.Data.Clone(), true, nil
}

func (m *Manager) cacheData(ctx context.Context, r *Registration, data Record) error {
	if r.key.ID == "" {
		if err := m.cache.CacheData(ctx, r.key.String(), data.Clone()); err != nil {
			serr := syncErrors.NewCacheError(syncErrors.OpCacheWrite, r.key.String(), err)
			m.recordError(serr)
			r.fail(serr)
			return serr
		}
		return nil
	}
	m.ingest(ctx, SyncEvent{
		EntityType: r.key.Type,
		EntityID:   r.key.ID,
		Operation:  OpUpdate,
		Data:       data.Clone(),
		Timestamp:  m.now().UnixMilli(),
	})
	return nil
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	var serr *syncErrors.SyncError
	if errors.As(err, &serr) {
		m.metrics.RecordSyncError(string(serr.Op), string(serr.Code))
		m.logger.Warn("sync error", "error", logging.SyncErrorValuer{SyncError: serr})
		return
	}
	m.metrics.RecordSyncError("unknown", "")
	m.logger.Warn("sync error", "error", err)
}

// entity returns the state for key, creating it. Nil once closed.
func (m *Manager) entity(key EntityKey) *entityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.entityLocked(key)
}

func (m *Manager) entityLocked(key EntityKey) *entityState {
	st, ok := m.entities[key]
	if !ok {
		st = &entityState{}
		m.entities[key] = st
	}
	return st
}

func (m *Manager) registrationsFor(key EntityKey) []*Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Registration
	for r := range m.regs {
		if r.matches(key) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].gen < out[j].gen })
	return out
}

type noticeKind int

const (
	noticeUpdate noticeKind = iota
	noticeConflict
	noticeResolved
	noticeError
	noticeState
)

type notice struct {
	kind     noticeKind
	key      EntityKey
	event    SyncEvent
	conflict Conflict
	err      error
	state    State
}

// effects collects notifications and sends produced under locks so they can
// run after the locks are released.
type effects struct {
	notices []notice
	sends   []SyncEvent
}

func (e *effects) update(ev SyncEvent) {
	e.notices = append(e.notices, notice{kind: noticeUpdate, key: ev.Key(), event: ev})
}

func (e *effects) conflict(c Conflict) {
	e.notices = append(e.notices, notice{kind: noticeConflict, key: c.Key(), conflict: c})
}

func (e *effects) resolved(c Conflict) {
	e.notices = append(e.notices, notice{kind: noticeResolved, key: c.Key(), conflict: c})
}

func (e *effects) fail(key EntityKey, err error) {
	e.notices = append(e.notices, notice{kind: noticeError, key: key, err: err})
}

func (e *effects) state(key EntityKey, s State) {
	e.notices = append(e.notices, notice{kind: noticeState, key: key, state: s})
}

func (m *Manager) dispatch(ctx context.Context, eff effects) {
	for _, n := range eff.notices {
		if n.kind == noticeUpdate {
			m.outbound.Publish(n.event)
			continue
		}
		if n.kind == noticeError {
			m.recordError(n.err)
		}
		for _, r := range m.registrationsFor(n.key) {
			switch n.kind {
			case noticeConflict:
				r.deliverConflict(n.conflict)
			case noticeResolved:
				r.deliverResolved(n.conflict)
			case noticeError:
				r.fail(n.err)
			case noticeState:
				r.setState(n.state)
			}
		}
	}
	for _, e := range eff.sends {
		if !m.isPending(e) {
			continue
		}
		if err := m.resend(ctx, e); err != nil {
			m.entityLogger(e.Key()).Warn("resolution send failed, kept for next sweep", "error", err)
		}
	}
}

func errNoEntityID(entityType string) error {
	return fmt.Errorf("registration for %q is not bound to an entity id", entityType)
}

func errBadOperation(op OperationKind) error {
	return fmt.Errorf("unknown operation %q", op)
}
