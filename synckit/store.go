package synckit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
)

// Versioned holds the three states tracked per entity. Any of them may be
// nil when that side has never been observed.
type Versioned struct {
	Local    *Snapshot `json:"local,omitempty"`
	Remote   *Snapshot `json:"remote,omitempty"`
	Ancestor *Snapshot `json:"ancestor,omitempty"`
}

// Clone returns a deep copy.
func (v Versioned) Clone() Versioned {
	return Versioned{
		Local:    cloneSnapshotPtr(v.Local),
		Remote:   cloneSnapshotPtr(v.Remote),
		Ancestor: cloneSnapshotPtr(v.Ancestor),
	}
}

func cloneSnapshotPtr(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	c := s.Clone()
	return &c
}

// Store is the versioned entity store. Every mutation replaces an entity's
// whole entry and is written through to the offline cache under
// "{type}:{id}". Cache failures are returned but the in-memory state already
// reflects the write.
type Store struct {
	cache  OfflineCache
	logger *slog.Logger

	mu      sync.Mutex
	entries map[EntityKey]*Versioned
	locks   map[EntityKey]*sync.Mutex
}

// NewStore creates a store persisting through cache.
func NewStore(cache OfflineCache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:   cache,
		logger:  logger.With("component", "store"),
		entries: make(map[EntityKey]*Versioned),
		locks:   make(map[EntityKey]*sync.Mutex),
	}
}

// Get returns the entity's versioned state, hydrating it from the offline
// cache the first time the entity is seen. A cache read failure is logged and
// treated as an empty entry.
func (s *Store) Get(ctx context.Context, key EntityKey) Versioned {
	s.mu.Lock()
	if v, ok := s.entries[key]; ok {
		out := v.Clone()
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	loaded, err := s.load(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed, starting from empty entry",
			"key", key.String(), "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.entries[key]; ok {
		return v.Clone()
	}
	if err == nil {
		s.entries[key] = &loaded
	}
	return loaded.Clone()
}

// PutLocal replaces the local snapshot.
func (s *Store) PutLocal(ctx context.Context, key EntityKey, snap Snapshot) error {
	return s.replace(ctx, key, func(v *Versioned) {
		v.Local = cloneSnapshotPtr(&snap)
	})
}

// PutRemote replaces the remote snapshot.
func (s *Store) PutRemote(ctx context.Context, key EntityKey, snap Snapshot) error {
	return s.replace(ctx, key, func(v *Versioned) {
		v.Remote = cloneSnapshotPtr(&snap)
	})
}

// CommitResolved sets local, remote and ancestor to snap in one replace.
func (s *Store) CommitResolved(ctx context.Context, key EntityKey, snap Snapshot) error {
	return s.replace(ctx, key, func(v *Versioned) {
		v.Local = cloneSnapshotPtr(&snap)
		v.Remote = cloneSnapshotPtr(&snap)
		v.Ancestor = cloneSnapshotPtr(&snap)
	})
}

// CommitUnsent records a resolution the remote side has not received yet.
// Local and ancestor become resolved while remote keeps the last snapshot
// the remote side actually reported.
func (s *Store) CommitUnsent(ctx context.Context, key EntityKey, resolved, remote Snapshot) error {
	return s.replace(ctx, key, func(v *Versioned) {
		v.Local = cloneSnapshotPtr(&resolved)
		v.Ancestor = cloneSnapshotPtr(&resolved)
		v.Remote = cloneSnapshotPtr(&remote)
	})
}

// Unsent reports whether the local snapshot still has to reach the remote
// side.
func (v Versioned) Unsent() bool {
	if v.Local == nil {
		return false
	}
	if v.Ancestor == nil || !v.Local.Equal(*v.Ancestor) {
		return true
	}
	return v.Remote == nil || !v.Remote.Equal(*v.Local)
}

// Keys returns every entity the store holds, ordered by cache key.
func (s *Store) Keys() []EntityKey {
	s.mu.Lock()
	keys := make([]EntityKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// replace applies mutate to a copy of the entry, swaps it in, then persists
// it. Writes for one entity are persisted in mutation order; unrelated
// entities never wait on each other.
func (s *Store) replace(ctx context.Context, key EntityKey, mutate func(*Versioned)) error {
	s.Get(ctx, key)

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	next := Versioned{}
	if cur, ok := s.entries[key]; ok {
		next = cur.Clone()
	}
	mutate(&next)
	s.entries[key] = &next
	persisted := next.Clone()
	s.mu.Unlock()

	return s.persist(ctx, key, persisted)
}

func (s *Store) keyLock(key EntityKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) persist(ctx context.Context, key EntityKey, v Versioned) error {
	rec, err := encodeVersioned(v)
	if err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key.String(), err)
	}
	if err := s.cache.CacheData(ctx, key.String(), rec); err != nil {
		s.logger.Error("cache write failed, entry kept in memory only",
			"key", key.String(), "error", err)
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key.String(), err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key EntityKey) (Versioned, error) {
	rec, ok, err := s.cache.GetCachedData(ctx, key.String())
	if err != nil {
		return Versioned{}, syncErrors.NewCacheError(syncErrors.OpCacheRead, key.String(), err)
	}
	if !ok {
		return Versioned{}, nil
	}
	v, err := decodeVersioned(rec)
	if err != nil {
		return Versioned{}, syncErrors.NewCacheError(syncErrors.OpCacheRead, key.String(), err)
	}
	return v, nil
}

func encodeVersioned(v Versioned) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return rec, nil
}

func decodeVersioned(rec Record) (Versioned, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return Versioned{}, fmt.Errorf("decode entry: %w", err)
	}
	var v Versioned
	if err := json.Unmarshal(raw, &v); err != nil {
		return Versioned{}, fmt.Errorf("decode entry: %w", err)
	}
	return v, nil
}
