package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/idempotency"
	"github.com/kyungseok/msa-order-saga/services/notification/internal/service"
)

const (
	// DefaultDedupTTL 발송 기록 보관 기간
	DefaultDedupTTL = 24 * time.Hour
	// DefaultSendLockTTL 발송 중 잠금 유지 시간. 프로세스가 죽어도 이 시간 뒤에는 다시 보낼 수 있다.
	DefaultSendLockTTL = 30 * time.Second
)

// EventHandler 알림 큐 이벤트 핸들러
type EventHandler struct {
	sender    service.EmailSender
	idemStore idempotency.Store
	dedupTTL  time.Duration
	lockTTL   time.Duration
	logger    *zap.Logger
}

// NewEventHandler 이벤트 핸들러 생성
func NewEventHandler(
	sender service.EmailSender,
	idemStore idempotency.Store,
	dedupTTL time.Duration,
	logger *zap.Logger,
) *EventHandler {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &EventHandler{
		sender:    sender,
		idemStore: idemStore,
		dedupTTL:  dedupTTL,
		lockTTL:   DefaultSendLockTTL,
		logger:    logger,
	}
}

// HandleDelivery messaging.Consumer 에 연결되는 Handler
func (h *EventHandler) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	// 이벤트 타입에 따라 분기
	switch events.EventType(d.Type) {
	case events.EventOrderConfirmationEmail:
		return h.handleOrderConfirmation(ctx, d)
	default:
		return domainerrors.Validation("unknown event type %q", d.Type)
	}
}

func (h *EventHandler) handleOrderConfirmation(ctx context.Context, d amqp.Delivery) error {
	var evt events.OrderConfirmationEmailEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "malformed order confirmation payload", err)
	}
	if evt.OrderID <= 0 {
		return domainerrors.Validation("orderId is required")
	}

	// 멱등성 체크: 발송 완료 기록이 있으면 건너뛴다
	key := fmt.Sprintf("order:%d", evt.OrderID)
	sent, err := h.idemStore.IsProcessed(ctx, key)
	if err != nil {
		return domainerrors.Transient("idempotency store unavailable", err)
	}
	if sent {
		h.logger.Info("order confirmation already sent", zap.Int64("orderId", evt.OrderID))
		return nil
	}

	lockKey := key + ":sending"
	locked, err := h.idemStore.Reserve(ctx, lockKey, h.lockTTL)
	if err != nil {
		return domainerrors.Transient("idempotency store unavailable", err)
	}
	if !locked {
		return domainerrors.Transient(fmt.Sprintf("order %d confirmation is being sent", evt.OrderID), nil)
	}
	// panic 이나 실패로 빠져나가도 잠금은 풀린다
	defer func() {
		if err := h.idemStore.Release(context.WithoutCancel(ctx), lockKey); err != nil {
			h.logger.Error("failed to release send lock",
				zap.Int64("orderId", evt.OrderID),
				zap.Error(err))
		}
	}()

	if err := h.sender.SendOrderConfirmation(ctx, evt); err != nil {
		return err
	}

	if err := h.idemStore.MarkProcessed(context.WithoutCancel(ctx), key, h.dedupTTL); err != nil {
		// 이미 발송했으므로 ack 한다. 기록이 없으면 재전달 시 중복 발송될 수 있다.
		h.logger.Error("failed to record sent confirmation",
			zap.Int64("orderId", evt.OrderID),
			zap.Error(err))
	}
	return nil
}
