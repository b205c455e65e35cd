// Package memory provides an in-process OfflineCache backed by go-cache.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

// Cache keeps records as JSON blobs so callers never share maps with it.
// Entries never expire unless a TTL is given.
type Cache struct {
	c *gocache.Cache
}

var (
	_ synckit.OfflineCache = (*Cache)(nil)
	_ synckit.KeyLister    = (*Cache)(nil)
)

// New returns a cache. A zero ttl keeps entries until the process exits and
// starts no background work. With a ttl, expired entries are swept once a
// minute by a goroutine that stops when the Cache is garbage collected.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return &Cache{c: gocache.New(gocache.NoExpiration, 0)}
	}
	return &Cache{c: gocache.New(ttl, time.Minute)}
}

func (m *Cache) GetCachedData(_ context.Context, key string) (synckit.Record, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	var rec synckit.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCacheRead, key, err)
	}
	return rec, true, nil
}

func (m *Cache) CacheData(_ context.Context, key string, value synckit.Record) error {
	b, err := json.Marshal(value)
	if err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key, err)
	}
	m.c.SetDefault(key, b)
	return nil
}

// Keys lists live keys with the given prefix, sorted.
func (m *Cache) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete drops a key.
func (m *Cache) Delete(key string) { m.c.Delete(key) }

// Len reports the number of live entries.
func (m *Cache) Len() int { return m.c.ItemCount() }
