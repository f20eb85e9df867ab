package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/metrics"
	"github.com/kyungseok/msa-order-saga/common/tracing"
)

// DirectReplyTo RabbitMQ direct reply-to 의사 큐
const DirectReplyTo = "amq.rabbitmq.reply-to"

// Timeouts 호출 단계별 시간 제한
type Timeouts struct {
	// FirstResponse 요청 발행과 브로커 confirm 까지
	FirstResponse time.Duration
	// Step 응답 수신까지
	Step time.Duration
}

// DefaultTimeouts 기본 호출 시간 제한
func DefaultTimeouts() Timeouts {
	return Timeouts{
		FirstResponse: 2 * time.Second,
		Step:          10 * time.Second,
	}
}

// replyChannel direct reply-to 소비와 요청 발행을 같은 채널에서 수행
type replyChannel interface {
	confirmPublisher
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RPCClient direct reply-to 기반 request/reply 클라이언트
type RPCClient struct {
	open   func() (replyChannel, error)
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	ch      replyChannel
	pending map[string]chan amqp.Delivery
}

// NewRPCClient Client 의 연결 위에 RPC 클라이언트 생성. 채널은 첫 호출 때 열린다.
func NewRPCClient(client *Client, logger *zap.Logger) *RPCClient {
	return newRPCClient(func() (replyChannel, error) {
		ch, err := client.NewConsumerChannel(0)
		if err != nil {
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}, logger)
}

func newRPCClient(open func() (replyChannel, error), logger *zap.Logger) *RPCClient {
	return &RPCClient{
		open:    open,
		logger:  logger,
		tracer:  tracing.Tracer("messaging"),
		pending: make(map[string]chan amqp.Delivery),
	}
}

// Call queue 에 command 를 보내고 응답 data 를 resp 로 디코딩.
//
// 두 시간 제한 중 하나라도 지나면 TIMEOUT_ERROR (일시적 실패) 를 반환한다.
// 응답 봉투의 error 는 DomainError 로 복원된다.
func (c *RPCClient) Call(ctx context.Context, queue, command string, req, resp any, timeouts Timeouts) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, queue+" "+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.command", command),
		))
	defer func() {
		result := "ok"
		if err != nil {
			result = string(domainerrors.CodeOf(err))
			if result == "" {
				result = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordRPC(queue, command, result, time.Since(start).Seconds())
		span.End()
	}()

	defaults := DefaultTimeouts()
	if timeouts.FirstResponse <= 0 {
		timeouts.FirstResponse = defaults.FirstResponse
	}
	if timeouts.Step <= 0 {
		timeouts.Step = defaults.Step
	}

	body, err := json.Marshal(req)
	if err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "failed to encode request", err)
	}

	ch, err := c.channel()
	if err != nil {
		return domainerrors.Transient("rpc channel unavailable", err)
	}

	correlationID := uuid.NewString()
	replies := make(chan amqp.Delivery, 1)
	c.register(correlationID, replies)
	defer c.unregister(correlationID)

	pubCtx, cancelPub := context.WithTimeout(ctx, timeouts.FirstResponse)
	err = publishConfirmed(pubCtx, ch, "", queue, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		MessageId:     correlationID,
		ReplyTo:       DirectReplyTo,
		Type:          command,
		Headers:       tracing.Inject(ctx, nil),
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
	cancelPub()
	if err != nil {
		if errors.Is(pubCtx.Err(), context.DeadlineExceeded) {
			return domainerrors.Wrap(domainerrors.ErrCodeTimeoutError,
				"no broker confirmation for "+command+" within first-response timeout", context.DeadlineExceeded)
		}
		return err
	}

	stepCtx, cancelStep := context.WithTimeout(ctx, timeouts.Step)
	defer cancelStep()

	select {
	case d, ok := <-replies:
		if !ok {
			return domainerrors.Wrap(domainerrors.ErrCodeUnavailable, "reply channel closed", nil)
		}
		return decodeReply(d.Body, resp)
	case <-stepCtx.Done():
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domainerrors.Transient(command+" cancelled", ctx.Err())
		}
		return domainerrors.Wrap(domainerrors.ErrCodeTimeoutError,
			"no reply for "+command+" from "+queue+" within step timeout", context.DeadlineExceeded)
	}
}

// Close 응답 채널 종료
func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	return err
}

func decodeReply(body []byte, resp any) error {
	var reply events.Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "malformed reply", err)
	}
	if reply.Error != nil {
		return reply.Error.Err()
	}
	if resp == nil || len(reply.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Data, resp); err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "malformed reply data", err)
	}
	return nil
}

// channel 응답 채널을 열고 direct reply-to 소비를 시작 (지연 초기화)
func (c *RPCClient) channel() (replyChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return c.ch, nil
	}

	ch, err := c.open()
	if err != nil {
		return nil, err
	}

	replies, err := ch.Consume(DirectReplyTo, "", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.ch = ch
	go c.route(ch, replies)
	return ch, nil
}

// route 응답을 correlation id 로 대기 중인 호출에 전달
func (c *RPCClient) route(ch replyChannel, replies <-chan amqp.Delivery) {
	for d := range replies {
		c.mu.Lock()
		waiter, ok := c.pending[d.CorrelationId]
		c.mu.Unlock()

		if !ok {
			// 이미 시간 초과로 포기한 호출의 늦은 응답
			c.logger.Debug("dropping late reply", zap.String("correlationId", d.CorrelationId))
			continue
		}
		select {
		case waiter <- d:
		default:
		}
	}

	// 채널 종료: 다음 호출에서 다시 연다
	c.mu.Lock()
	if c.ch == ch {
		c.ch = nil
	}
	c.mu.Unlock()
	c.logger.Warn("rpc reply channel closed")
}

func (c *RPCClient) register(correlationID string, waiter chan amqp.Delivery) {
	c.mu.Lock()
	c.pending[correlationID] = waiter
	c.mu.Unlock()
}

func (c *RPCClient) unregister(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}
