package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "notification-service"), mr
}

func TestReserveIsExclusive(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	first, err := store.Reserve(ctx, "email:order:5", time.Hour)
	require.NoError(t, err)
	second, err := store.Reserve(ctx, "email:order:5", time.Hour)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.True(t, mr.Exists("notification-service:email:order:5"))
}

func TestReleaseAllowsReservingAgain(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k"))

	processed, err := store.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, processed)

	ok, err := store.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReservationExpires(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	processed, err := store.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMarkProcessed(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkProcessed(ctx, "k", time.Hour))

	processed, err := store.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, time.Hour, mr.TTL("notification-service:k"))

	ok, err := store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
