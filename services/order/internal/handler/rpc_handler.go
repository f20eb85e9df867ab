package handler

import (
	"context"
	"encoding/json"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/messaging"
	"github.com/kyungseok/msa-order-saga/services/order/internal/service"
)

// Register orders_queue 커맨드 등록
func Register(server *messaging.RPCServer, svc service.OrderService) {
	server.Handle(string(events.CmdCreateOrder), createOrder(svc))
	server.Handle(string(events.CmdGetOrder), messaging.Bind(func(ctx context.Context, req events.GetOrderRequest) (events.OrderReply, error) {
		return svc.GetOrder(ctx, req.ID)
	}))
	server.Handle(string(events.CmdGetUserOrders), messaging.Bind(func(ctx context.Context, req events.GetUserOrdersRequest) ([]events.OrderReply, error) {
		return svc.GetUserOrders(ctx, req.UserID)
	}))
}

func createOrder(svc service.OrderService) messaging.CommandHandler {
	return func(ctx context.Context, req messaging.Request) (any, error) {
		var body events.CreateOrderRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "malformed create_order payload", err)
		}

		return svc.CreateOrder(ctx, service.CreateOrderCommand{
			Request:      body,
			RequestKey:   RequestKey(req, body),
			FinalAttempt: req.FinalAttempt,
		})
	}
}

// RequestKey 주문 요청 멱등 키. MessageId, 없으면 본문의 requestId.
// 둘 다 없으면 빈 문자열이고 서비스에서 검증 에러가 된다.
func RequestKey(req messaging.Request, body events.CreateOrderRequest) string {
	if req.MessageID != "" {
		return req.MessageID
	}
	if body.RequestID != "" {
		return "request:" + body.RequestID
	}
	return ""
}
