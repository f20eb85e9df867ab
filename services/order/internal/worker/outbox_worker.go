package worker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/msa-order-saga/common/messaging"
	"github.com/kyungseok/msa-order-saga/services/order/internal/repository"
)

// DefaultBatchSize 한 번에 릴레이할 최대 이벤트 수
const DefaultBatchSize = 100

// OutboxWorker 주문 라이프사이클 이벤트를 Kafka 로 릴레이
type OutboxWorker struct {
	outboxRepo repository.OutboxRepository
	publisher  messaging.EventPublisher
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
}

// NewOutboxWorker Outbox 워커 생성
func NewOutboxWorker(
	outboxRepo repository.OutboxRepository,
	publisher messaging.EventPublisher,
	logger *zap.Logger,
	interval time.Duration,
) *OutboxWorker {
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		batchSize:  DefaultBatchSize,
	}
}

// Start 워커 시작
func (w *OutboxWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if _, err := w.process(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

// process 대기 중인 이벤트를 id 순으로 발행. 발행이 실패하면 이후 이벤트는
// 다음 주기로 미뤄 같은 주문의 이벤트 순서를 지킨다.
func (w *OutboxWorker) process(ctx context.Context) (int, error) {
	events, err := w.outboxRepo.FindPending(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	w.logger.Debug("processing outbox events", zap.Int("count", len(events)))

	sent := 0
	for _, event := range events {
		key := strconv.FormatInt(event.AggregateID, 10)
		if err := w.publisher.Publish(ctx, event.EventType, key, event.Payload); err != nil {
			w.logger.Error("failed to publish event",
				zap.Int64("eventId", event.ID),
				zap.String("eventType", event.EventType),
				zap.Error(err))
			return sent, err
		}

		// 전송 완료 표시. 실패하면 다음 주기에 다시 발행된다 (at-least-once).
		if err := w.outboxRepo.MarkSent(ctx, event.ID); err != nil {
			w.logger.Error("failed to mark event as sent",
				zap.Int64("eventId", event.ID),
				zap.Error(err))
			return sent, err
		}
		sent++
	}

	w.logger.Info("outbox events relayed", zap.Int("count", sent))
	return sent, nil
}
