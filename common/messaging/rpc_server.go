package messaging

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/tracing"
)

// Request RPC 요청 (커맨드 핸들러 입력)
type Request struct {
	Command       string
	MessageID     string
	CorrelationID string
	Body          []byte
	// FinalAttempt 이번 배달이 실패하면 더 이상 requeue 되지 않는다
	FinalAttempt bool
}

// CommandHandler 커맨드 처리 함수. 결과는 응답 data 로 직렬화된다.
type CommandHandler func(ctx context.Context, req Request) (any, error)

// Bind 요청 본문을 Req 로 디코딩하는 CommandHandler 생성
func Bind[Req any, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) CommandHandler {
	return func(ctx context.Context, r Request) (any, error) {
		var req Req
		if err := json.Unmarshal(r.Body, &req); err != nil {
			return nil, domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "malformed "+r.Command+" payload", err)
		}
		return fn(ctx, req)
	}
}

// RPCServer AMQP Type 으로 커맨드를 라우팅하고 종료 상태에서만 응답
type RPCServer struct {
	publisher Publisher
	policy    RetryPolicy
	handlers  map[string]CommandHandler
	logger    *zap.Logger
}

// NewRPCServer RPC 서버 생성. policy 는 같은 큐 컨슈머의 정책과 같아야 한다.
func NewRPCServer(publisher Publisher, policy RetryPolicy, logger *zap.Logger) *RPCServer {
	return &RPCServer{
		publisher: publisher,
		policy:    policy,
		handlers:  make(map[string]CommandHandler),
		logger:    logger,
	}
}

// Handle 커맨드 핸들러 등록
func (s *RPCServer) Handle(command string, handler CommandHandler) {
	s.handlers[command] = handler
}

// HandleDelivery Consumer 에 연결되는 Handler.
//
// 재시도될 배달에는 응답하지 않는다. 호출자는 최종 결과 하나만 받는다.
func (s *RPCServer) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	result, err := s.dispatch(ctx, d)

	if !s.policy.Decide(d, err).Terminal() || d.ReplyTo == "" {
		return err
	}

	if replyErr := s.reply(ctx, d, result, err); replyErr != nil {
		s.logger.Error("failed to publish reply",
			zap.Error(replyErr),
			zap.String("command", d.Type),
			zap.String("correlationId", d.CorrelationId))
		if err == nil {
			return replyErr
		}
	}
	return err
}

func (s *RPCServer) dispatch(ctx context.Context, d amqp.Delivery) (any, error) {
	handler, ok := s.handlers[d.Type]
	if !ok {
		return nil, domainerrors.Validation("unknown command %q", d.Type)
	}
	return handler(ctx, Request{
		Command:       d.Type,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Body:          d.Body,
		FinalAttempt:  DeliveryCount(d) >= s.policy.Ceiling,
	})
}

func (s *RPCServer) reply(ctx context.Context, d amqp.Delivery, result any, err error) error {
	reply, buildErr := events.NewReply(result, err)
	if buildErr != nil {
		reply = events.Reply{Error: events.ToReplyError(
			domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "failed to encode reply", buildErr))}
	}

	body, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		return marshalErr
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	return s.publisher.Publish(pubCtx, "", d.ReplyTo, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Type:          d.Type,
		Headers:       tracing.Inject(ctx, nil),
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
}
