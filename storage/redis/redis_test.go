package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := setupMiniRedis(t)

	c, err := New(ctx, Config{Address: mr.Addr(), Prefix: "facility:"})
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.GetCachedData(ctx, "task:t-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.CacheData(ctx, "task:t-1", synckit.Record{"title": "Check exits"}))
	assert.True(t, mr.Exists("facility:task:t-1"))

	rec, ok, err := c.GetCachedData(ctx, "task:t-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Check exits", rec["title"])

	require.NoError(t, c.Delete(ctx, "task:t-1"))
	assert.False(t, mr.Exists("facility:task:t-1"))
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	mr := setupMiniRedis(t)
	c := NewWithClient(rdb.NewClient(&rdb.Options{Addr: mr.Addr()}), "", time.Minute)
	defer c.Close()

	require.NoError(t, c.CacheData(ctx, "building", synckit.Record{"ids": []any{"b-1"}}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.GetCachedData(ctx, "building")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Failures(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{})
	assert.Error(t, err)

	mr := setupMiniRedis(t)
	c, err := New(ctx, Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, mr.Set("task:t-1", "{not json"))
	_, _, err = c.GetCachedData(ctx, "task:t-1")
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeCacheFailure))

	mr.SetError("READONLY server is read only")
	err = c.CacheData(ctx, "task:t-2", synckit.Record{})
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeCacheFailure))
}

func TestCache_Keys(t *testing.T) {
	ctx := context.Background()
	mr := setupMiniRedis(t)
	c, err := New(ctx, Config{Address: mr.Addr(), Prefix: "facility:"})
	require.NoError(t, err)
	defer c.Close()

	for _, k := range []string{"task:t-2", "task:t-1", "building:b-1", "task"} {
		require.NoError(t, c.CacheData(ctx, k, synckit.Record{"k": k}))
	}
	require.NoError(t, mr.Set("other:task:t-9", "{}"))
	require.NoError(t, mr.Set("facility:task*", "{}"))

	keys, err := c.Keys(ctx, "task:")
	require.NoError(t, err)
	assert.Equal(t, []string{"task:t-1", "task:t-2"}, keys)

	all, err := c.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"building:b-1", "task", "task*", "task:t-1", "task:t-2"}, all)

	// Glob characters in the prefix match literally.
	star, err := c.Keys(ctx, "task*")
	require.NoError(t, err)
	assert.Equal(t, []string{"task*"}, star)
}
