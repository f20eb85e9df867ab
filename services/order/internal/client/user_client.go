package client

import (
	"context"

	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/messaging"
)

// UserClient 사용자 서비스 RPC 클라이언트
type UserClient struct {
	rpc      Caller
	queue    string
	timeouts messaging.Timeouts
}

// NewUserClient 사용자 서비스 클라이언트 생성
func NewUserClient(rpc Caller, queue string, timeouts messaging.Timeouts) *UserClient {
	return &UserClient{rpc: rpc, queue: queue, timeouts: timeouts}
}

// GetUser 사용자 조회
func (c *UserClient) GetUser(ctx context.Context, id int64) (events.UserReply, error) {
	var reply events.UserReply
	err := c.rpc.Call(ctx, c.queue, string(events.CmdGetUser), events.GetUserRequest{ID: id}, &reply, c.timeouts)
	return reply, err
}
