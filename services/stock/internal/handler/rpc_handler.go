package handler

import (
	"context"

	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/messaging"
	"github.com/kyungseok/msa-order-saga/services/stock/internal/service"
)

// Register stock_queue 커맨드 등록
func Register(server *messaging.RPCServer, svc service.StockService) {
	server.Handle(string(events.CmdCheckStock), messaging.Bind(svc.CheckStock))
	server.Handle(string(events.CmdGetPrices), messaging.Bind(svc.GetPrices))
	server.Handle(string(events.CmdDecrementStock), messaging.Bind(svc.DecrementStock))
	server.Handle(string(events.CmdRestoreStock), messaging.Bind(svc.RestoreStock))
	server.Handle(string(events.CmdGetProduct), messaging.Bind(svc.GetProduct))
	server.Handle(string(events.CmdGetProducts), func(ctx context.Context, _ messaging.Request) (any, error) {
		return svc.GetProducts(ctx)
	})
}
