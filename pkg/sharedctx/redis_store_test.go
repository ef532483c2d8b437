package sharedctx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:ctx:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "x", "value", 0))

	got, ok, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestRedisStoreGetAbsent(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "x", 1, time.Second))

	_, ok, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = store.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreKeepTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "x", 1, time.Second))
	require.NoError(t, store.Set(ctx, "x", 2, KeepTTL))

	mr.FastForward(2 * time.Second)

	_, ok, err := store.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok, "overwrite with KeepTTL should preserve the original expiry")
}

func TestRedisStoreDelete(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "x", 1, 0))
	require.NoError(t, store.Delete(ctx, "x"))
	require.NoError(t, store.Delete(ctx, "x"))

	_, ok, err := store.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreKeys(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", 1, 0))
	require.NoError(t, store.Set(ctx, "b", 2, 0))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestContextWithRedisStore(t *testing.T) {
	store, _ := newTestRedisStore(t)
	c := New(WithStore(store))
	ctx := context.Background()

	// JSON round-trip: numbers come back as float64.
	_, err := c.Update(ctx, "counter", func(v any) any {
		return v.(float64) + 1
	}, float64(0))
	require.NoError(t, err)

	got, err := c.Get(ctx, "counter", float64(0))
	require.NoError(t, err)
	assert.Equal(t, float64(1), got)
}
