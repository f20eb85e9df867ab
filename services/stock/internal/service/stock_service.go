package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kyungseok/msa-order-saga/common/cache"
	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/services/stock/internal/domain"
	"github.com/kyungseok/msa-order-saga/services/stock/internal/repository"
)

// StockService 재고 서비스 인터페이스
type StockService interface {
	CheckStock(ctx context.Context, items []events.ItemQuantity) (events.CheckStockReply, error)
	GetPrices(ctx context.Context, req events.GetPricesRequest) (events.GetPricesReply, error)
	DecrementStock(ctx context.Context, req events.DecrementStockRequest) (events.DecrementStockReply, error)
	RestoreStock(ctx context.Context, req events.RestoreStockRequest) (events.RestoreStockReply, error)
	GetProduct(ctx context.Context, req events.GetProductRequest) (events.ProductReply, error)
	GetProducts(ctx context.Context) ([]events.ProductReply, error)
}

type stockService struct {
	repo        repository.StockRepository
	cache       cache.Cache
	invalidator *cache.Invalidator
	logger      *zap.Logger
}

// NewStockService 재고 서비스 생성
func NewStockService(repo repository.StockRepository, c cache.Cache, logger *zap.Logger) StockService {
	return &stockService{
		repo:        repo,
		cache:       c,
		invalidator: cache.NewInvalidator(c, logger),
		logger:      logger,
	}
}

// CheckStock 재고 확인 (읽기 전용). 부족 항목은 에러가 아닌 응답으로 돌려준다.
func (s *stockService) CheckStock(ctx context.Context, items []events.ItemQuantity) (events.CheckStockReply, error) {
	if err := domain.ValidateItems(items); err != nil {
		return events.CheckStockReply{}, err
	}
	items = domain.Normalize(items)

	products, err := s.repo.FindProducts(ctx, domain.ProductIDs(items))
	if err != nil {
		return events.CheckStockReply{}, err
	}

	stock := make(map[int64]int, len(products))
	for id, p := range products {
		stock[id] = p.Stock
	}

	shortfalls := domain.Shortfalls(items, stock)
	if len(shortfalls) > 0 {
		s.logger.Info("insufficient stock", zap.Any("insufficientItems", shortfalls))
		return events.CheckStockReply{Success: false, InsufficientItems: shortfalls}, nil
	}
	return events.CheckStockReply{Success: true}, nil
}

// GetPrices 현재 가격 조회. 카탈로그에 없는 상품은 Missing 으로 보고한다.
func (s *stockService) GetPrices(ctx context.Context, req events.GetPricesRequest) (events.GetPricesReply, error) {
	products, err := s.repo.FindProducts(ctx, req.ProductIDs)
	if err != nil {
		return events.GetPricesReply{}, err
	}

	reply := events.GetPricesReply{Prices: make([]events.ProductPrice, 0, len(req.ProductIDs))}
	for _, id := range req.ProductIDs {
		p, ok := products[id]
		if !ok {
			reply.Missing = append(reply.Missing, id)
			continue
		}
		reply.Prices = append(reply.Prices, events.ProductPrice{ProductID: id, Price: p.Price})
	}
	return reply, nil
}

// DecrementStock 주문 ID 기준 멱등 재고 차감. 커밋 후 캐시를 무효화한다.
func (s *stockService) DecrementStock(ctx context.Context, req events.DecrementStockRequest) (events.DecrementStockReply, error) {
	if req.OrderID <= 0 {
		return events.DecrementStockReply{}, domainerrors.Validation("orderId is required")
	}
	if err := domain.ValidateItems(req.Items); err != nil {
		return events.DecrementStockReply{}, err
	}

	result, err := s.repo.Decrement(ctx, req.OrderID, req.Items)
	if err != nil {
		s.logger.Warn("stock decrement failed", zap.Int64("orderId", req.OrderID), zap.Error(err))
		return events.DecrementStockReply{}, err
	}

	if result.AlreadyApplied {
		s.logger.Info("stock decrement already applied", zap.Int64("orderId", req.OrderID))
	} else {
		s.logger.Info("stock decremented", zap.Int64("orderId", req.OrderID), zap.Int64s("productIds", result.ProductIDs))
	}

	// 이미 반영된 경우에도 무효화한다. 이전 시도가 커밋 후 무효화 전에 끝났을 수 있다.
	if err := s.invalidator.AfterCommit(ctx, productKeys(result.ProductIDs)...); err != nil {
		return events.DecrementStockReply{}, err
	}
	return events.DecrementStockReply{Success: true}, nil
}

// RestoreStock 보상 트랜잭션. 여러 번 호출해도 한 번만 되돌린다.
func (s *stockService) RestoreStock(ctx context.Context, req events.RestoreStockRequest) (events.RestoreStockReply, error) {
	if req.OrderID <= 0 {
		return events.RestoreStockReply{}, domainerrors.Validation("orderId is required")
	}

	result, err := s.repo.Restore(ctx, req.OrderID)
	if err != nil {
		return events.RestoreStockReply{}, err
	}

	s.logger.Warn("stock restored",
		zap.Int64("orderId", req.OrderID),
		zap.Bool("restored", result.Restored),
		zap.Int64s("productIds", result.ProductIDs))

	if len(result.ProductIDs) > 0 {
		if err := s.invalidator.AfterCommit(ctx, productKeys(result.ProductIDs)...); err != nil {
			return events.RestoreStockReply{}, err
		}
	}
	return events.RestoreStockReply{Success: true, Restored: result.Restored}, nil
}

// GetProduct 캐시 경유 상품 조회
func (s *stockService) GetProduct(ctx context.Context, req events.GetProductRequest) (events.ProductReply, error) {
	return cache.ReadThrough(ctx, s.cache, s.logger, cache.ProductKey(req.ID), func(ctx context.Context) (events.ProductReply, error) {
		p, err := s.repo.GetProduct(ctx, req.ID)
		if err != nil {
			return events.ProductReply{}, err
		}
		return p.ToReply(), nil
	})
}

// GetProducts 캐시 경유 전체 상품 조회
func (s *stockService) GetProducts(ctx context.Context) ([]events.ProductReply, error) {
	return cache.ReadThrough(ctx, s.cache, s.logger, cache.KeyProductList, func(ctx context.Context) ([]events.ProductReply, error) {
		products, err := s.repo.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]events.ProductReply, 0, len(products))
		for _, p := range products {
			out = append(out, p.ToReply())
		}
		return out, nil
	})
}

// productKeys 재고가 바뀐 상품 키와 목록 키
func productKeys(ids []int64) []string {
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, cache.ProductKey(id))
	}
	return append(keys, cache.KeyProductList)
}
