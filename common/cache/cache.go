package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL 읽기 캐시 기본 TTL
const DefaultTTL = 5 * time.Minute

// 캐시 키
const (
	KeyProductList = "products:all"
	keyGeneration  = "gen:%s"
	keyProduct     = "product:%d"
	keyOrder       = "order:%d"
	keyUserOrders  = "orders:user:%d"
)

// ProductKey 상품 단건 키
func ProductKey(id int64) string { return fmt.Sprintf(keyProduct, id) }

// OrderKey 주문 단건 키
func OrderKey(id int64) string { return fmt.Sprintf(keyOrder, id) }

// UserOrdersKey 사용자별 주문 목록 키
func UserOrdersKey(userID int64) string { return fmt.Sprintf(keyUserOrders, userID) }

// Cache 읽기 캐시. 무효화는 쓰기가 커밋된 뒤에만 호출한다.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Versioned 무효화 세대를 확인한 뒤에만 쓰는 캐시.
// 읽기 도중 무효화가 끼어들면 읽어 온 값은 저장되지 않는다.
type Versioned interface {
	Version(ctx context.Context, key string) (int64, error)
	SetIfVersion(ctx context.Context, key string, value any, version int64) (bool, error)
}

// generationTTL 세대 카운터 보관 시간. 진행 중인 어떤 읽기보다 길어야 한다.
const generationTTL = time.Hour

func generationKey(key string) string { return fmt.Sprintf(keyGeneration, key) }

// RedisCache Redis 기반 읽기 캐시
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache Redis 캐시 생성
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get 캐시 조회. 없으면 false.
func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set 캐시 저장
func (c *RedisCache) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate 키 삭제. 같은 트랜잭션에서 키별 세대를 올린다.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, generationKey(key))
			pipe.Expire(ctx, generationKey(key), generationTTL)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache invalidate %v: %w", keys, err)
	}
	return nil
}

// Version 키의 현재 무효화 세대
func (c *RedisCache) Version(ctx context.Context, key string) (int64, error) {
	version, err := c.client.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache version %s: %w", key, err)
	}
	return version, nil
}

// SetIfVersion 세대가 version 그대로일 때만 저장
func (c *RedisCache) SetIfVersion(ctx context.Context, key string, value any, version int64) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("cache encode %s: %w", key, err)
	}

	genKey := generationKey(key)
	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache set %s: %w", key, err)
	}
	return stored, nil
}

// ReadThrough 캐시에 없으면 load 결과를 저장하고 반환. 캐시 장애는 읽기를 막지 않는다.
// Versioned 캐시면 load 도중 무효화된 값은 저장하지 않는다.
func ReadThrough[T any](ctx context.Context, c Cache, logger *zap.Logger, key string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	hit, err := c.Get(ctx, key, &cached)
	if err != nil {
		logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if hit {
		return cached, nil
	}

	versioned, guarded := c.(Versioned)
	var version int64
	cacheable := true
	if guarded {
		if version, err = versioned.Version(ctx, key); err != nil {
			logger.Warn("cache version read failed", zap.String("key", key), zap.Error(err))
			cacheable = false
		}
	}

	value, err := load(ctx)
	if err != nil || !cacheable {
		return value, err
	}

	if !guarded {
		if err := c.Set(ctx, key, value); err != nil {
			logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
		return value, nil
	}

	stored, err := versioned.SetIfVersion(ctx, key, value, version)
	switch {
	case err != nil:
		logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	case !stored:
		logger.Debug("cache write skipped, key invalidated during load", zap.String("key", key))
	}
	return value, nil
}

// Noop 캐시 비활성화용
type Noop struct{}

func (Noop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, any) error         { return nil }
func (Noop) Invalidate(context.Context, ...string) error    { return nil }
