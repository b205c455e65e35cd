package synckit

import (
	"context"
	"sync"
	"testing"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/logging"
)

func TestStore_CommitResolvedReplacesAllThree(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()
	s := NewStore(cache, logging.Discard())
	key := EntityKey{Type: "task", ID: "t-1"}

	if err := s.PutLocal(ctx, key, Snapshot{Data: Record{"name": "L"}, Timestamp: 2}); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}
	if err := s.PutRemote(ctx, key, Snapshot{Data: Record{"name": "R"}, Timestamp: 3}); err != nil {
		t.Fatalf("PutRemote: %v", err)
	}
	v := s.Get(ctx, key)
	if v.Local.Data["name"] != "L" || v.Remote.Data["name"] != "R" || v.Ancestor != nil {
		t.Fatalf("unexpected entry %+v", v)
	}

	resolved := Snapshot{Data: Record{"name": "M"}, Timestamp: 3}
	if err := s.CommitResolved(ctx, key, resolved); err != nil {
		t.Fatalf("CommitResolved: %v", err)
	}
	v = s.Get(ctx, key)
	for name, side := range map[string]*Snapshot{"local": v.Local, "remote": v.Remote, "ancestor": v.Ancestor} {
		if side == nil || !side.Equal(resolved) {
			t.Fatalf("%s = %+v, want %+v", name, side, resolved)
		}
	}

	if _, ok := cache.data["task:t-1"]; !ok {
		t.Fatalf("entry not persisted under task:t-1: %v", cache.data)
	}
}

func TestStore_CommitUnsentKeepsRemoteSide(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()
	s := NewStore(cache, logging.Discard())
	key := EntityKey{Type: "task", ID: "t-1"}

	if err := s.CommitResolved(ctx, key, Snapshot{Data: Record{"name": "A"}, Timestamp: 1}); err != nil {
		t.Fatalf("CommitResolved: %v", err)
	}
	if s.Get(ctx, key).Unsent() {
		t.Fatal("agreed entry reported as unsent")
	}

	resolved := Snapshot{Data: Record{"name": "L"}, Timestamp: 2}
	remote := Snapshot{Data: Record{"name": "R"}, Timestamp: 3}
	if err := s.CommitUnsent(ctx, key, resolved, remote); err != nil {
		t.Fatalf("CommitUnsent: %v", err)
	}
	v := NewStore(cache, logging.Discard()).Get(ctx, key)
	if !v.Local.Equal(resolved) || !v.Ancestor.Equal(resolved) || !v.Remote.Equal(remote) {
		t.Fatalf("entry = %+v", v)
	}
	if !v.Unsent() {
		t.Fatal("unsent resolution not reported")
	}

	if err := s.PutLocal(ctx, EntityKey{Type: "task", ID: "t-2"}, resolved); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}
	if !s.Get(ctx, EntityKey{Type: "task", ID: "t-2"}).Unsent() {
		t.Fatal("local-only entity not reported as unsent")
	}
}

func TestStore_HydratesFromCache(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()
	key := EntityKey{Type: "task", ID: "t-1"}

	first := NewStore(cache, logging.Discard())
	if err := first.CommitResolved(ctx, key, Snapshot{Data: Record{"name": "A"}, Timestamp: 1}); err != nil {
		t.Fatalf("CommitResolved: %v", err)
	}

	second := NewStore(cache, logging.Discard())
	v := second.Get(ctx, key)
	if v.Local == nil || v.Local.Data["name"] != "A" || v.Ancestor == nil || v.Ancestor.Timestamp != 1 {
		t.Fatalf("hydrated entry = %+v", v)
	}
	if keys := second.Keys(); len(keys) != 1 || keys[0] != key {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestStore_CacheFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()
	cache.failWrites = true
	s := NewStore(cache, logging.Discard())
	key := EntityKey{Type: "task", ID: "t-1"}

	err := s.CommitResolved(ctx, key, Snapshot{Data: Record{"name": "A"}})
	if !syncErrors.HasCode(err, syncErrors.ErrCodeCacheFailure) {
		t.Fatalf("err = %v, want CACHE_FAILURE", err)
	}
	if v := s.Get(ctx, key); v.Ancestor == nil || v.Ancestor.Data["name"] != "A" {
		t.Fatalf("in-memory state lost after cache failure: %+v", v)
	}
}

func TestStore_CacheReadFailureStartsEmpty(t *testing.T) {
	cache := newMemCache()
	cache.failReads = true
	s := NewStore(cache, logging.Discard())
	v := s.Get(context.Background(), EntityKey{Type: "task", ID: "t-1"})
	if v.Local != nil || v.Remote != nil || v.Ancestor != nil {
		t.Fatalf("expected empty entry, got %+v", v)
	}
}

func TestStore_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemCache(), logging.Discard())
	key := EntityKey{Type: "task", ID: "t-1"}
	_ = s.PutLocal(ctx, key, Snapshot{Data: Record{"name": "A"}})

	v := s.Get(ctx, key)
	v.Local.Data["name"] = "mutated"

	if got := s.Get(ctx, key); got.Local.Data["name"] != "A" {
		t.Fatal("Get leaked a reference to internal state")
	}
}

func TestStore_ConcurrentWritersNeverTear(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemCache(), logging.Discard())
	key := EntityKey{Type: "task", ID: "t-1"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := Snapshot{Data: Record{"a": i, "b": i}, Timestamp: int64(i)}
			_ = s.CommitResolved(ctx, key, snap)
		}(i)
	}
	wg.Wait()

	v := s.Get(ctx, key)
	if !v.Local.Equal(*v.Remote) || !v.Local.Equal(*v.Ancestor) {
		t.Fatalf("torn entry: %+v", v)
	}
	if !valuesEqual(v.Local.Data["a"], true, v.Local.Data["b"], true) {
		t.Fatalf("torn snapshot data: %v", v.Local.Data)
	}
}
