package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kyungseok/msa-order-saga/common/config"
	"github.com/kyungseok/msa-order-saga/common/metrics"
	"github.com/kyungseok/msa-order-saga/common/retry"
	"github.com/kyungseok/msa-order-saga/common/tracing"
)

// Handler 배달 하나를 처리하는 함수. 반환된 에러로 ack/retry/dead-letter 가 결정된다.
type Handler func(ctx context.Context, d amqp.Delivery) error

// channelOpener 컨슈머 채널을 여는 쪽 (Client)
type channelOpener interface {
	NewConsumerChannel(prefetch int) (*amqp.Channel, error)
}

// Consumer prefetch 수만큼의 워커로 큐를 소비하며 모든 배달을 상태 머신으로 처리
type Consumer struct {
	opener  channelOpener
	spec    config.QueueSpec
	policy  RetryPolicy
	handler Handler
	logger  *zap.Logger
	tracer  trace.Tracer
	tag     string
}

// NewConsumer 컨슈머 생성
func NewConsumer(opener channelOpener, spec config.QueueSpec, handler Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		opener:  opener,
		spec:    spec,
		policy:  RetryPolicy{Ceiling: spec.RetryCeiling},
		handler: handler,
		logger:  logger.With(zap.String("queue", spec.Name)),
		tracer:  tracing.Tracer("messaging"),
		tag:     fmt.Sprintf("%s-%d", spec.Name, time.Now().UnixNano()),
	}
}

// Policy 재시도 정책
func (c *Consumer) Policy() RetryPolicy {
	return c.policy
}

// Run ctx 가 끝날 때까지 소비. 채널이 닫히면 백오프 후 재구독한다.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		ch, deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = retry.NextBackoff(backoff, maxReconnectBackoff)
			continue
		}
		backoff = time.Second

		c.logger.Info("consumer started",
			zap.Int("prefetch", c.spec.Prefetch),
			zap.Int("retryCeiling", c.policy.Ceiling))

		c.drain(ctx, deliveries)

		if ctx.Err() != nil {
			_ = ch.Cancel(c.tag, false)
			_ = ch.Close()
			return nil
		}

		// 배달 채널이 닫힘 (연결 끊김 또는 서버 측 취소)
		_ = ch.Close()
		c.logger.Warn("delivery channel closed, resubscribing")
		if !sleep(ctx, backoff) {
			return nil
		}
	}
}

func (c *Consumer) subscribe() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.opener.NewConsumerChannel(c.spec.Prefetch)
	if err != nil {
		return nil, nil, err
	}

	deliveries, err := ch.Consume(c.spec.Name, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

// drain prefetch 개의 워커가 배달 채널이 닫히거나 ctx 가 끝날 때까지 처리
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	workers := c.spec.Prefetch
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.Process(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
}

// Process 배달 하나를 Received → Processing → 종료 상태로 진행시키고 settle
func (c *Consumer) Process(ctx context.Context, d amqp.Delivery) State {
	start := time.Now()
	count := DeliveryCount(d)

	ctx = tracing.Extract(ctx, d.Headers)
	ctx, span := c.tracer.Start(ctx, c.spec.Name+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", c.spec.Name),
			attribute.String("messaging.message_id", d.MessageId),
			attribute.String("messaging.command", d.Type),
			attribute.Int("messaging.delivery_count", count),
		))
	defer span.End()

	logger := c.logger.With(
		zap.String("messageId", d.MessageId),
		zap.String("type", d.Type),
		zap.Uint64("deliveryTag", d.DeliveryTag),
		zap.Int("deliveryCount", count))
	logger.Debug("delivery processing")

	err := c.invoke(ctx, d)
	state := c.policy.Decide(d, err)

	if settleErr := Settle(d, state); settleErr != nil {
		// settle 실패 시 브로커가 채널 종료 후 재전달한다
		logger.Error("failed to settle delivery", zap.Error(settleErr), zap.Stringer("state", state))
	}

	metrics.RecordDelivery(c.spec.Name, state.String(), time.Since(start).Seconds())
	span.SetAttributes(attribute.String("messaging.state", state.String()))

	switch state {
	case StateAcknowledged:
		if err != nil {
			logger.Info("delivery acknowledged with rejection", zap.Error(err))
		} else {
			logger.Debug("delivery acknowledged")
		}
	case StateRetrying:
		span.RecordError(err)
		logger.Warn("delivery requeued", zap.Error(err), zap.Int("retryCeiling", c.policy.Ceiling))
	case StateDeadLettered:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("delivery dead-lettered",
			zap.Error(err),
			zap.String("deadLetterQueue", c.spec.DeadLetterQueue))
	}

	return state
}

// invoke 핸들러 panic 을 에러로 바꿔 상태 머신이 처리하게 한다
func (c *Consumer) invoke(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
