package client

import (
	"context"
	"fmt"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/messaging"
)

// Caller request/reply 호출 (messaging.RPCClient)
type Caller interface {
	Call(ctx context.Context, queue, command string, req, resp any, timeouts messaging.Timeouts) error
}

// StockClient 재고 서비스 RPC 클라이언트
type StockClient struct {
	rpc      Caller
	queue    string
	timeouts messaging.Timeouts
}

// NewStockClient 재고 서비스 클라이언트 생성
func NewStockClient(rpc Caller, queue string, timeouts messaging.Timeouts) *StockClient {
	return &StockClient{rpc: rpc, queue: queue, timeouts: timeouts}
}

// CheckStock 재고 확인
func (c *StockClient) CheckStock(ctx context.Context, items []events.ItemQuantity) (events.CheckStockReply, error) {
	var reply events.CheckStockReply
	err := c.rpc.Call(ctx, c.queue, string(events.CmdCheckStock), items, &reply, c.timeouts)
	return reply, err
}

// GetPrices 현재 가격 조회
func (c *StockClient) GetPrices(ctx context.Context, productIDs []int64) (events.GetPricesReply, error) {
	var reply events.GetPricesReply
	err := c.rpc.Call(ctx, c.queue, string(events.CmdGetPrices), events.GetPricesRequest{ProductIDs: productIDs}, &reply, c.timeouts)
	return reply, err
}

// DecrementStock 주문 ID 기준 멱등 재고 차감
func (c *StockClient) DecrementStock(ctx context.Context, orderID int64, items []events.ItemQuantity) error {
	var reply events.DecrementStockReply
	err := c.rpc.Call(ctx, c.queue, string(events.CmdDecrementStock), events.DecrementStockRequest{
		OrderID: orderID,
		Items:   items,
	}, &reply, c.timeouts)
	if err != nil {
		return err
	}
	if !reply.Success {
		return domainerrors.New(domainerrors.ErrCodeInsufficientStock, fmt.Sprintf("stock decrement for order %d rejected", orderID)).
			WithDetails(reply.InsufficientItems)
	}
	return nil
}

// RestoreStock 보상 트랜잭션 요청
func (c *StockClient) RestoreStock(ctx context.Context, orderID int64) error {
	var reply events.RestoreStockReply
	err := c.rpc.Call(ctx, c.queue, string(events.CmdRestoreStock), events.RestoreStockRequest{OrderID: orderID}, &reply, c.timeouts)
	if err != nil {
		return err
	}
	if !reply.Success {
		return domainerrors.Transient(fmt.Sprintf("stock restore for order %d not confirmed", orderID), nil)
	}
	return nil
}
