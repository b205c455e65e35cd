package synckit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/facility-sync/logging"
)

var errFakeCache = errors.New("disk full")

// memCache is an OfflineCache backed by a map.
type memCache struct {
	mu         sync.Mutex
	data       map[string]Record
	failWrites bool
	failReads  bool
	writes     int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]Record)}
}

func (c *memCache) GetCachedData(_ context.Context, key string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return nil, false, errFakeCache
	}
	r, ok := c.data[key]
	return r.Clone(), ok, nil
}

func (c *memCache) CacheData(_ context.Context, key string, value Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errFakeCache
	}
	c.writes++
	c.data[key] = value.Clone()
	return nil
}

func (c *memCache) Keys(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memCache) setFailWrites(v bool) {
	c.mu.Lock()
	c.failWrites = v
	c.mu.Unlock()
}

// fakeChannel is an in-process PushChannel. Deliver simulates an inbound
// push; Send records outbound events and can be made to fail or block.
type fakeChannel struct {
	connected atomic.Bool

	mu        sync.Mutex
	listeners map[string]map[ListenerID]ChannelHandler
	nextID    ListenerID
	sent      []SyncEvent
	sendErr   error
	gate      chan struct{}
}

func newFakeChannel(connected bool) *fakeChannel {
	ch := &fakeChannel{listeners: make(map[string]map[ListenerID]ChannelHandler)}
	ch.connected.Store(connected)
	return ch
}

func (f *fakeChannel) IsConnected() bool { return f.connected.Load() }

func (f *fakeChannel) AddListener(entityType string, h ChannelHandler) ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.listeners[entityType] == nil {
		f.listeners[entityType] = make(map[ListenerID]ChannelHandler)
	}
	f.listeners[entityType][f.nextID] = h
	return f.nextID
}

func (f *fakeChannel) RemoveListener(entityType string, id ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners[entityType], id)
}

func (f *fakeChannel) Send(ctx context.Context, e SyncEvent) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeChannel) Deliver(e SyncEvent) {
	f.mu.Lock()
	var hs []ChannelHandler
	for _, h := range f.listeners[e.EntityType] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(e)
	}
}

func (f *fakeChannel) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeChannel) sentEvents() []SyncEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SyncEvent(nil), f.sent...)
}

func (f *fakeChannel) listenerCount(entityType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[entityType])
}

// fakeFetcher serves remote snapshots from a map.
type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[EntityKey]Snapshot
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, entityType, entityID string) (Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s, ok := f.snaps[EntityKey{Type: entityType, ID: entityID}]
	return s.Clone(), ok, nil
}

// fixedClock returns a monotonically advancing fake time source.
func fixedClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func newTestManager(tb interface{ Fatalf(string, ...any) }, ch *fakeChannel, cache *memCache, opts ...Option) *Manager {
	base := []Option{
		WithCache(cache),
		WithChannel(ch),
		WithLogger(logging.Discard()),
		WithClock(fixedClock()),
	}
	m, err := NewManager(append(base, opts...)...)
	if err != nil {
		tb.Fatalf("NewManager: %v", err)
	}
	return m
}

func upd(id string, ts int64, data Record) SyncEvent {
	return SyncEvent{EntityType: "task", EntityID: id, Operation: OpUpdate, Data: data, Timestamp: ts}
}

func del(id string, ts int64) SyncEvent {
	return SyncEvent{EntityType: "task", EntityID: id, Operation: OpDelete, Timestamp: ts}
}
