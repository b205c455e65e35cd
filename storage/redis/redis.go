// Package redis provides an OfflineCache shared between devices or
// processes through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	rdb "github.com/redis/go-redis/v9"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

// Config holds connection settings.
type Config struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Cache stores each record as a JSON string under Prefix+key.
type Cache struct {
	c      *rdb.Client
	prefix string
	ttl    time.Duration
}

var (
	_ synckit.OfflineCache = (*Cache)(nil)
	_ synckit.KeyLister    = (*Cache)(nil)
)

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := rdb.NewClient(&rdb.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return NewWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client. A zero ttl keeps keys forever.
func NewWithClient(client *rdb.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{c: client, prefix: prefix, ttl: ttl}
}

func (r *Cache) GetCachedData(ctx context.Context, key string) (synckit.Record, bool, error) {
	b, err := r.c.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCacheRead, key, err)
	}
	var rec synckit.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCacheRead, key, err)
	}
	return rec, true, nil
}

func (r *Cache) CacheData(ctx context.Context, key string, value synckit.Record) error {
	b, err := json.Marshal(value)
	if err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key, err)
	}
	if err := r.c.Set(ctx, r.prefix+key, b, r.ttl).Err(); err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix, sorted, without the
// cache's own prefix.
func (r *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.c.Scan(ctx, 0, globEscaper.Replace(r.prefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, syncErrors.NewCacheError(syncErrors.OpCacheRead, prefix+"*", err)
	}
	// SCAN may return a key more than once.
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Delete removes key.
func (r *Cache) Delete(ctx context.Context, key string) error {
	return r.c.Del(ctx, r.prefix+key).Err()
}

// Close closes the underlying client.
func (r *Cache) Close() error { return r.c.Close() }
