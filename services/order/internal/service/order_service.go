package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kyungseok/msa-order-saga/common/cache"
	"github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/services/order/internal/domain"
	"github.com/kyungseok/msa-order-saga/services/order/internal/repository"
	"github.com/kyungseok/msa-order-saga/services/order/internal/saga"
)

// CreateOrderCommand 주문 생성 커맨드
type CreateOrderCommand struct {
	Request      events.CreateOrderRequest
	RequestKey   string
	FinalAttempt bool
}

// Saga 주문 생성 사가
type Saga interface {
	Run(ctx context.Context, req saga.Request) (*domain.Order, error)
}

// OrderService 주문 서비스 인터페이스
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (events.OrderReply, error)
	GetOrder(ctx context.Context, orderID int64) (events.OrderReply, error)
	GetUserOrders(ctx context.Context, userID int64) ([]events.OrderReply, error)
}

type orderService struct {
	saga      Saga
	orderRepo repository.OrderRepository
	cache     cache.Cache
	logger    *zap.Logger
}

// NewOrderService 주문 서비스 생성
func NewOrderService(
	runner Saga,
	orderRepo repository.OrderRepository,
	c cache.Cache,
	logger *zap.Logger,
) OrderService {
	return &orderService{
		saga:      runner,
		orderRepo: orderRepo,
		cache:     c,
		logger:    logger,
	}
}

// CreateOrder 사가를 실행하고 완료된 주문을 돌려준다
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (events.OrderReply, error) {
	if cmd.RequestKey == "" {
		return events.OrderReply{}, errors.Validation("request key is required")
	}

	order, err := s.saga.Run(ctx, saga.Request{
		Key:          cmd.RequestKey,
		Order:        cmd.Request,
		FinalAttempt: cmd.FinalAttempt,
	})
	if err != nil {
		s.logger.Warn("order saga failed",
			zap.String("requestKey", cmd.RequestKey),
			zap.Int64("userId", cmd.Request.UserID),
			zap.Bool("finalAttempt", cmd.FinalAttempt),
			zap.Error(err))
		return events.OrderReply{}, err
	}
	return order.ToReply(), nil
}

// GetOrder 캐시 경유 주문 조회
func (s *orderService) GetOrder(ctx context.Context, orderID int64) (events.OrderReply, error) {
	if orderID <= 0 {
		return events.OrderReply{}, errors.Validation("order id is required")
	}
	return cache.ReadThrough(ctx, s.cache, s.logger, cache.OrderKey(orderID), func(ctx context.Context) (events.OrderReply, error) {
		order, err := s.orderRepo.FindByID(ctx, orderID)
		if err != nil {
			return events.OrderReply{}, err
		}
		return order.ToReply(), nil
	})
}

// GetUserOrders 캐시 경유 사용자 주문 목록 조회
func (s *orderService) GetUserOrders(ctx context.Context, userID int64) ([]events.OrderReply, error) {
	if userID <= 0 {
		return nil, errors.Validation("user id is required")
	}
	return cache.ReadThrough(ctx, s.cache, s.logger, cache.UserOrdersKey(userID), func(ctx context.Context) ([]events.OrderReply, error) {
		orders, err := s.orderRepo.FindByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		out := make([]events.OrderReply, 0, len(orders))
		for _, order := range orders {
			out = append(out, order.ToReply())
		}
		return out, nil
	})
}
