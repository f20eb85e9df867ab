package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kyungseok/msa-order-saga/common/cache"
	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/metrics"
	"github.com/kyungseok/msa-order-saga/common/retry"
	"github.com/kyungseok/msa-order-saga/common/tracing"
	"github.com/kyungseok/msa-order-saga/services/order/internal/domain"
	"github.com/kyungseok/msa-order-saga/services/order/internal/repository"
)

// DefaultStepTimeout 단계별 기본 제한 시간
const DefaultStepTimeout = 10 * time.Second

// StockClient 재고 서비스 호출
type StockClient interface {
	CheckStock(ctx context.Context, items []events.ItemQuantity) (events.CheckStockReply, error)
	GetPrices(ctx context.Context, productIDs []int64) (events.GetPricesReply, error)
	DecrementStock(ctx context.Context, orderID int64, items []events.ItemQuantity) error
	RestoreStock(ctx context.Context, orderID int64) error
}

// UserClient 사용자 서비스 호출
type UserClient interface {
	GetUser(ctx context.Context, id int64) (events.UserReply, error)
}

// NotificationPublisher 주문 확인 메일 이벤트 발행
type NotificationPublisher interface {
	PublishOrderConfirmation(ctx context.Context, event events.OrderConfirmationEmailEvent) error
}

// Request 사가 입력
type Request struct {
	// Key 인바운드 메시지 기준 멱등 키 (orders.request_key)
	Key   string
	Order events.CreateOrderRequest
	// FinalAttempt 이번 배달이 실패하면 dead-letter 된다
	FinalAttempt bool
}

// Coordinator 주문 생성 사가 코디네이터
type Coordinator struct {
	orders       repository.OrderRepository
	steps        repository.SagaStepRepository
	stock        StockClient
	users        UserClient
	notifier     NotificationPublisher
	invalidator  *cache.Invalidator
	stepTimeout  time.Duration
	compensation retry.Config
	now          func() time.Time
	logger       *zap.Logger
}

// NewCoordinator 사가 코디네이터 생성
func NewCoordinator(
	orders repository.OrderRepository,
	steps repository.SagaStepRepository,
	stock StockClient,
	users UserClient,
	notifier NotificationPublisher,
	c cache.Cache,
	stepTimeout time.Duration,
	logger *zap.Logger,
) *Coordinator {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Coordinator{
		orders:       orders,
		steps:        steps,
		stock:        stock,
		users:        users,
		notifier:     notifier,
		invalidator:  cache.NewInvalidator(c, logger),
		stepTimeout:  stepTimeout,
		compensation: retry.Short(),
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
}

// state 단계 사이에 전달되는 사가 진행 상태
type state struct {
	req    Request
	items  []events.ItemQuantity
	prices map[int64]decimal.Decimal
	order  *domain.Order
}

// Run 사가 실행. 같은 Key 로 다시 호출되면 저장된 주문 상태에서 이어간다.
func (c *Coordinator) Run(ctx context.Context, req Request) (*domain.Order, error) {
	s := &state{req: req}

	existing, err := c.lookup(ctx, req.Key)
	if err != nil {
		return nil, err
	}

	start := 0
	if existing != nil {
		switch existing.Status {
		case domain.OrderStatusCompleted:
			c.logger.Info("order already completed", zap.Int64("orderId", existing.ID), zap.String("requestKey", req.Key))
			if err := c.invalidateCommitted(ctx, s, existing); err != nil {
				return nil, err
			}
			return existing, nil
		case domain.OrderStatusCancelled:
			c.logger.Info("order already cancelled", zap.Int64("orderId", existing.ID), zap.String("requestKey", req.Key))
			if err := c.invalidateCommitted(ctx, s, existing); err != nil {
				return nil, err
			}
			return nil, orderCancelled(existing.ID, nil)
		}

		// pending: 가격 스냅샷이 저장되어 있으므로 persist 부터 이어간다
		c.logger.Info("resuming pending order", zap.Int64("orderId", existing.ID), zap.String("requestKey", req.Key))
		s.order = existing
		start = indexOf(StepPersist)
	}

	for _, step := range sequence[start:] {
		result := c.execute(ctx, step, s)

		if step == StepNotify && result.Failed() {
			c.logger.Warn("order confirmation skipped",
				zap.Int64("orderId", s.order.ID),
				zap.Error(result.Err))
			result.Outcome = OutcomeSkipped
		}
		c.record(ctx, s, result)

		if !result.Failed() {
			continue
		}
		// 주문이 저장된 뒤의 실패는 재시도 여지가 없으면 보상 후 취소한다
		if s.order != nil && (result.Outcome == OutcomeFatal || req.FinalAttempt) {
			return c.cancel(ctx, s, result.Err)
		}
		return nil, result.Err
	}

	c.logger.Info("order completed",
		zap.Int64("orderId", s.order.ID),
		zap.String("totalAmount", s.order.TotalAmount.StringFixed(2)))
	return s.order, nil
}

func (c *Coordinator) lookup(ctx context.Context, key string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()
	return c.orders.FindByRequestKey(ctx, key)
}

// execute 단계 하나를 제한 시간 안에서 실행하고 결과를 분류
func (c *Coordinator) execute(ctx context.Context, step Step, s *state) StepResult {
	ctx, span := tracing.Tracer("order-saga").Start(ctx, "saga."+string(step))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()

	var err error
	switch step {
	case StepValidate:
		err = c.validate(s)
	case StepCheckStock:
		err = c.checkStock(ctx, s)
	case StepResolvePrices:
		err = c.resolvePrices(ctx, s)
	case StepPersist:
		err = c.persist(ctx, s)
	case StepDecrement:
		err = c.decrement(ctx, s)
	case StepNotify:
		err = c.notify(ctx, s)
	case StepFinalize:
		err = c.finalize(ctx, s)
	default:
		err = fmt.Errorf("unknown saga step %q", step)
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && domainerrors.CodeOf(err) == "" {
		err = domainerrors.Transient(string(step)+" timed out", err)
	}

	result := StepResult{Step: step, Outcome: outcomeOf(err), Err: err}
	span.SetAttributes(attribute.String("saga.outcome", string(result.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result
}

func (c *Coordinator) validate(s *state) error {
	if err := domain.ValidateRequest(s.req.Order); err != nil {
		return err
	}
	s.items = domain.MergeItems(s.req.Order.Items)
	return nil
}

func (c *Coordinator) checkStock(ctx context.Context, s *state) error {
	reply, err := c.stock.CheckStock(ctx, s.items)
	if err != nil {
		return err
	}
	if !reply.Success {
		return domainerrors.New(domainerrors.ErrCodeInsufficientStock, "insufficient stock").
			WithDetails(reply.InsufficientItems)
	}
	return nil
}

func (c *Coordinator) resolvePrices(ctx context.Context, s *state) error {
	ids := make([]int64, 0, len(s.items))
	for _, item := range s.items {
		ids = append(ids, item.ProductID)
	}

	reply, err := c.stock.GetPrices(ctx, ids)
	if err != nil {
		return err
	}
	if len(reply.Missing) > 0 {
		return domainerrors.NotFound("products %v not found", reply.Missing)
	}

	s.prices = make(map[int64]decimal.Decimal, len(reply.Prices))
	for _, p := range reply.Prices {
		s.prices[p.ProductID] = p.Price
	}
	for _, id := range ids {
		if _, ok := s.prices[id]; !ok {
			return domainerrors.NotFound("price for product %d not found", id)
		}
	}
	return nil
}

// persist 주문 저장. 이미 저장된 주문이면 캐시 무효화만 다시 한다.
func (c *Coordinator) persist(ctx context.Context, s *state) error {
	if s.order == nil {
		items := make([]domain.OrderItem, 0, len(s.items))
		for _, item := range s.items {
			items = append(items, domain.OrderItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Price:     s.prices[item.ProductID],
			})
		}

		order := domain.NewOrder(s.req.Order.UserID, items, s.req.Key, c.now())
		err := c.orders.Create(ctx, order, c.createdEvent)
		switch {
		case errors.Is(err, repository.ErrDuplicateRequestKey):
			existing, findErr := c.orders.FindByRequestKey(ctx, s.req.Key)
			if findErr != nil {
				return findErr
			}
			if existing == nil {
				return domainerrors.Transient("order missing after duplicate insert", err)
			}
			c.logger.Info("order already persisted", zap.Int64("orderId", existing.ID), zap.String("requestKey", s.req.Key))
			order = existing
		case err != nil:
			return err
		default:
			c.logger.Info("order persisted",
				zap.Int64("orderId", order.ID),
				zap.Int64("userId", order.UserID),
				zap.String("totalAmount", order.TotalAmount.StringFixed(2)))
		}
		s.order = order
	}

	return c.invalidator.AfterCommit(ctx, cache.UserOrdersKey(s.order.UserID))
}

func (c *Coordinator) decrement(ctx context.Context, s *state) error {
	return c.stock.DecrementStock(ctx, s.order.ID, s.order.Quantities())
}

func (c *Coordinator) notify(ctx context.Context, s *state) error {
	user, err := c.users.GetUser(ctx, s.order.UserID)
	if err != nil {
		return err
	}

	return c.notifier.PublishOrderConfirmation(ctx, events.OrderConfirmationEmailEvent{
		OrderID:      s.order.ID,
		CustomerName: user.Name,
		Email:        user.Email,
		Items:        s.order.PricedItems(),
		TotalAmount:  s.order.TotalAmount,
	})
}

func (c *Coordinator) finalize(ctx context.Context, s *state) error {
	event, err := c.completedEvent(s.order)
	if err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "failed to build order completed event", err)
	}

	ok, err := c.orders.TransitionStatus(ctx, s.order.ID, domain.OrderStatusPending, domain.OrderStatusCompleted, event)
	if err != nil {
		return err
	}

	if ok {
		s.order.TransitionTo(domain.OrderStatusCompleted, c.now())
	} else {
		current, err := c.orders.FindByID(ctx, s.order.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.OrderStatusCancelled {
			return orderCancelled(current.ID, nil)
		}
		s.order = current
	}

	return c.invalidateCommitted(ctx, s, s.order)
}

// cancel 보상 트랜잭션. 재고를 되돌린 뒤에만 주문을 cancelled 로 바꾼다.
// 이미 completed 로 커밋된 주문은 보상하지 않고 그대로 돌려준다.
func (c *Coordinator) cancel(ctx context.Context, s *state, cause error) (*domain.Order, error) {
	attempts := c.compensation.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(attempts+1)*c.stepTimeout)
	defer cancel()

	ctx, span := tracing.Tracer("order-saga").Start(ctx, "saga."+string(StepCompensate))
	defer span.End()

	c.logger.Warn("compensating order",
		zap.Int64("orderId", s.order.ID),
		zap.Error(cause))

	current, err := c.orders.FindByID(ctx, s.order.ID)
	if err == nil && current.Status == domain.OrderStatusCompleted {
		c.logger.Info("order already completed, skipping compensation",
			zap.Int64("orderId", current.ID),
			zap.NamedError("cause", cause))
		if err := c.invalidateCommitted(ctx, s, current); err != nil {
			return nil, err
		}
		return current, nil
	}

	result := StepResult{Step: StepCompensate, Outcome: OutcomeSucceeded}
	if err := c.compensate(ctx, s, cause); err != nil {
		result.Outcome = OutcomeRecoverable
		result.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.record(ctx, s, result)

	if result.Err != nil {
		c.logger.Error("compensation failed", zap.Int64("orderId", s.order.ID), zap.Error(result.Err))
		return nil, result.Err
	}
	return nil, orderCancelled(s.order.ID, cause)
}

func (c *Coordinator) compensate(ctx context.Context, s *state, cause error) error {
	err := retry.Do(ctx, c.compensation, c.logger, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
		return c.stock.RestoreStock(callCtx, s.order.ID)
	})
	if err != nil {
		return domainerrors.Transient("stock compensation failed", err)
	}

	event, err := c.cancelledEvent(s.order, cause)
	if err != nil {
		return domainerrors.Transient("failed to build order cancelled event", err)
	}

	ok, err := c.orders.TransitionStatus(ctx, s.order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled, event)
	if err != nil {
		return err
	}
	if ok {
		s.order.TransitionTo(domain.OrderStatusCancelled, c.now())
	} else {
		current, err := c.orders.FindByID(ctx, s.order.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.OrderStatusCancelled {
			return domainerrors.Transient(
				fmt.Sprintf("order %d is %s, expected cancelled", current.ID, current.Status), nil)
		}
		s.order = current
	}

	c.logger.Warn("order cancelled", zap.Int64("orderId", s.order.ID), zap.Error(cause))
	return c.invalidateCommitted(ctx, s, s.order)
}

func (c *Coordinator) invalidateOrder(ctx context.Context, order *domain.Order) error {
	return c.invalidator.AfterCommit(ctx, cache.OrderKey(order.ID), cache.UserOrdersKey(order.UserID))
}

// invalidateCommitted 상태 전이가 커밋된 뒤의 무효화. 마지막 시도에서는 실패해도
// 응답을 바꾸지 않고 TTL 만료에 맡긴다.
func (c *Coordinator) invalidateCommitted(ctx context.Context, s *state, order *domain.Order) error {
	err := c.invalidateOrder(ctx, order)
	if err != nil && s.req.FinalAttempt {
		c.logger.Warn("cache invalidation failed on final attempt, leaving keys to expire",
			zap.Int64("orderId", order.ID),
			zap.Error(err))
		return nil
	}
	return err
}

// record 단계 결과 기록. 기록 실패는 사가 결과에 영향을 주지 않는다.
func (c *Coordinator) record(ctx context.Context, s *state, result StepResult) {
	metrics.RecordSagaStep(string(result.Step), string(result.Outcome))

	record := repository.StepRecord{
		RequestKey: s.req.Key,
		Step:       string(result.Step),
		Outcome:    string(result.Outcome),
	}
	if s.order != nil {
		record.OrderID = s.order.ID
	}
	if result.Err != nil {
		record.Detail = result.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.stepTimeout)
	defer cancel()
	if err := c.steps.Record(ctx, record); err != nil {
		c.logger.Warn("failed to record saga step",
			zap.String("step", record.Step),
			zap.String("outcome", record.Outcome),
			zap.Error(err))
	}
}

func (c *Coordinator) createdEvent(order *domain.Order) (*repository.OutboxEvent, error) {
	now := c.now()
	return repository.NewOutboxEvent(order.ID, string(events.EventOrderCreated), events.OrderCreatedEvent{
		BaseEvent: events.NewBaseEvent(uuid.NewString(), events.EventOrderCreated, order.RequestKey, now),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Items:     order.PricedItems(),
	}, now)
}

func (c *Coordinator) completedEvent(order *domain.Order) (*repository.OutboxEvent, error) {
	now := c.now()
	return repository.NewOutboxEvent(order.ID, string(events.EventOrderCompleted), events.OrderCompletedEvent{
		BaseEvent:   events.NewBaseEvent(uuid.NewString(), events.EventOrderCompleted, order.RequestKey, now),
		OrderID:     order.ID,
		TotalAmount: order.TotalAmount,
	}, now)
}

func (c *Coordinator) cancelledEvent(order *domain.Order, cause error) (*repository.OutboxEvent, error) {
	now := c.now()
	reason := string(domainerrors.CodeOf(cause))
	if reason == "" {
		reason = string(domainerrors.ErrCodeUnknownError)
	}
	return repository.NewOutboxEvent(order.ID, string(events.EventOrderCancelled), events.OrderCancelledEvent{
		BaseEvent: events.NewBaseEvent(uuid.NewString(), events.EventOrderCancelled, order.RequestKey, now),
		OrderID:   order.ID,
		Reason:    reason,
	}, now)
}

// orderCancelled 취소된 주문 에러. 재고 부족이 원인이면 부족 항목을 그대로 전달한다.
func orderCancelled(orderID int64, cause error) error {
	err := domainerrors.Wrap(domainerrors.ErrCodeOrderCancelled, fmt.Sprintf("order %d cancelled", orderID), cause)
	if shortfalls := events.ShortfallsOf(cause); len(shortfalls) > 0 {
		return err.WithDetails(shortfalls)
	}
	return err
}

func indexOf(step Step) int {
	for i, s := range sequence {
		if s == step {
			return i
		}
	}
	return 0
}
