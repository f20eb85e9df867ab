package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
)

type product struct {
	ID    int64 `json:"id"`
	Stock int   `json:"stock"`
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Minute), mr
}

func TestReadThroughPopulatesOnMiss(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	loads := 0
	load := func(context.Context) (product, error) {
		loads++
		return product{ID: 1, Stock: 10}, nil
	}

	first, err := ReadThrough(ctx, c, zap.NewNop(), ProductKey(1), load)
	require.NoError(t, err)
	second, err := ReadThrough(ctx, c, zap.NewNop(), ProductKey(1), load)
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Equal(t, first, second)
	assert.True(t, mr.Exists("product:1"))
	assert.Equal(t, time.Minute, mr.TTL("product:1"))
}

func TestReadAfterInvalidateNeverReturnsOldValue(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()
	stock := 10
	load := func(context.Context) (product, error) { return product{ID: 1, Stock: stock}, nil }

	_, err := ReadThrough(ctx, c, zap.NewNop(), ProductKey(1), load)
	require.NoError(t, err)

	// write commits, then the owner invalidates
	stock = 8
	require.NoError(t, NewInvalidator(c, zap.NewNop()).AfterCommit(ctx, ProductKey(1), KeyProductList))

	got, err := ReadThrough(ctx, c, zap.NewNop(), ProductKey(1), load)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Stock)
}

func TestReadThroughDropsValueInvalidatedDuringLoad(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	stock := 10
	stale := func(ctx context.Context) (product, error) {
		loaded := product{ID: 1, Stock: stock}
		// the writer commits and invalidates while this reader still holds the old row
		stock = 8
		require.NoError(t, NewInvalidator(c, zap.NewNop()).AfterCommit(ctx, ProductKey(1)))
		return loaded, nil
	}

	got, err := ReadThrough(ctx, c, zap.NewNop(), ProductKey(1), stale)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Stock)
	assert.False(t, mr.Exists("product:1"))

	fresh, err := ReadThrough(ctx, c, zap.NewNop(), ProductKey(1), func(context.Context) (product, error) {
		return product{ID: 1, Stock: stock}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8, fresh.Stock)
	assert.True(t, mr.Exists("product:1"))
}

func TestInvalidateBumpsGeneration(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Invalidate(ctx, OrderKey(1), UserOrdersKey(1)))
	require.NoError(t, c.Invalidate(ctx, OrderKey(1)))

	version, err := c.Version(ctx, OrderKey(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, generationTTL, mr.TTL("gen:orders:user:1"))

	stored, err := c.SetIfVersion(ctx, OrderKey(1), product{ID: 1}, 1)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = c.SetIfVersion(ctx, OrderKey(1), product{ID: 1}, 2)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, time.Minute, mr.TTL("order:1"))
}

type failingCache struct{ Noop }

func (failingCache) Invalidate(context.Context, ...string) error { return errors.New("redis down") }

func TestInvalidatorSurfacesTransientError(t *testing.T) {
	inv := NewInvalidator(failingCache{}, zap.NewNop())
	inv.config.InitialInterval = time.Millisecond
	inv.config.MaxInterval = time.Millisecond

	err := inv.AfterCommit(context.Background(), OrderKey(1))
	assert.Equal(t, domainerrors.ClassTransient, domainerrors.Classify(err))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "product:7", ProductKey(7))
	assert.Equal(t, "order:5", OrderKey(5))
	assert.Equal(t, "orders:user:1", UserOrdersKey(1))
}
