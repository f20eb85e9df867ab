package cache

import (
	"context"

	"go.uber.org/zap"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/retry"
)

// Invalidator 쓰기 경로가 소유하는 무효화 capability
type Invalidator struct {
	cache  Cache
	config retry.Config
	logger *zap.Logger
}

// NewInvalidator 무효화기 생성
func NewInvalidator(c Cache, logger *zap.Logger) *Invalidator {
	return &Invalidator{cache: c, config: retry.Short(), logger: logger}
}

// AfterCommit 커밋 이후 키를 무효화. 끝내 실패하면 transient 에러를 돌려
// 메시지 재전달 시 다시 무효화되도록 한다.
func (i *Invalidator) AfterCommit(ctx context.Context, keys ...string) error {
	err := retry.Do(ctx, i.config, i.logger, func() error {
		return i.cache.Invalidate(ctx, keys...)
	})
	if err != nil {
		i.logger.Error("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
		return domainerrors.Transient("cache invalidation failed", err)
	}
	i.logger.Debug("cache invalidated", zap.Strings("keys", keys))
	return nil
}
