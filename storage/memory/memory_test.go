package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c0deZ3R0/facility-sync/synckit"
)

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(0)

	_, ok, err := c.GetCachedData(ctx, "task:t-1")
	require.NoError(t, err)
	assert.False(t, ok)

	in := synckit.Record{"title": "Inspect boiler", "floors": []any{1, 2}}
	require.NoError(t, c.CacheData(ctx, "task:t-1", in))

	out, ok, err := c.GetCachedData(ctx, "task:t-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, out.Equal(in))
	assert.Equal(t, 1, c.Len())

	out["title"] = "mutated"
	again, _, _ := c.GetCachedData(ctx, "task:t-1")
	assert.Equal(t, "Inspect boiler", again["title"])

	c.Delete("task:t-1")
	_, ok, _ = c.GetCachedData(ctx, "task:t-1")
	assert.False(t, ok)
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := New(20 * time.Millisecond)
	require.NoError(t, c.CacheData(ctx, "building", synckit.Record{"ids": []any{"b-1"}}))

	assert.Eventually(t, func() bool {
		_, ok, _ := c.GetCachedData(ctx, "building")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCache_BacksManagerStore(t *testing.T) {
	ctx := context.Background()
	c := New(0)
	key := synckit.EntityKey{Type: "task", ID: "t-1"}

	first := synckit.NewStore(c, nil)
	require.NoError(t, first.CommitResolved(ctx, key, synckit.Snapshot{Data: synckit.Record{"title": "A"}, Timestamp: 1}))

	second := synckit.NewStore(c, nil)
	v := second.Get(ctx, key)
	require.NotNil(t, v.Local)
	assert.Equal(t, "A", v.Local.Data["title"])
}

func TestCache_NoTTLStartsNoJanitor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := New(0)
	require.NoError(t, c.CacheData(context.Background(), "task:t-1", synckit.Record{"title": "A"}))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Keys(t *testing.T) {
	ctx := context.Background()
	c := New(0)
	for _, k := range []string{"task:t-2", "task:t-1", "building:b-1", "task"} {
		require.NoError(t, c.CacheData(ctx, k, synckit.Record{"k": k}))
	}

	keys, err := c.Keys(ctx, "task:")
	require.NoError(t, err)
	assert.Equal(t, []string{"task:t-1", "task:t-2"}, keys)

	all, err := c.Keys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCache_KeysFindUnsentEntries(t *testing.T) {
	ctx := context.Background()
	c := New(0)
	key := synckit.EntityKey{Type: "task", ID: "t-1"}

	first := synckit.NewStore(c, nil)
	require.NoError(t, first.CommitResolved(ctx, key, synckit.Snapshot{Data: synckit.Record{"title": "A"}, Timestamp: 1}))
	require.NoError(t, first.PutLocal(ctx, key, synckit.Snapshot{Data: synckit.Record{"title": "B"}, Timestamp: 2}))

	keys, err := c.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"task:t-1"}, keys)
	assert.True(t, synckit.NewStore(c, nil).Get(ctx, key).Unsent())
}
