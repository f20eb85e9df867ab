package client

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/messaging"
)

type mockCaller struct {
	mock.Mock
}

func (m *mockCaller) Call(ctx context.Context, queue, command string, req, resp any, timeouts messaging.Timeouts) error {
	args := m.Called(queue, command, req)
	if fill, ok := args.Get(1).(func(any)); ok && fill != nil {
		fill(resp)
	}
	return args.Error(0)
}

func TestStockClient_DecrementStock(t *testing.T) {
	caller := &mockCaller{}
	items := []events.ItemQuantity{{ProductID: 1, Quantity: 2}}
	caller.On("Call", "stock_queue", "decrement_stock", events.DecrementStockRequest{OrderID: 5, Items: items}).
		Return(nil, func(resp any) { resp.(*events.DecrementStockReply).Success = true })

	c := NewStockClient(caller, "stock_queue", messaging.DefaultTimeouts())

	require.NoError(t, c.DecrementStock(context.Background(), 5, items))
	caller.AssertExpectations(t)
}

func TestStockClient_DecrementStockUnsuccessfulReply(t *testing.T) {
	caller := &mockCaller{}
	shortfalls := []events.Shortfall{{ProductID: 1, Requested: 2, Available: 1}}
	caller.On("Call", "stock_queue", "decrement_stock", mock.Anything).
		Return(nil, func(resp any) { resp.(*events.DecrementStockReply).InsufficientItems = shortfalls })

	c := NewStockClient(caller, "stock_queue", messaging.DefaultTimeouts())
	err := c.DecrementStock(context.Background(), 5, []events.ItemQuantity{{ProductID: 1, Quantity: 2}})

	require.Error(t, err)
	assert.Equal(t, domainerrors.ErrCodeInsufficientStock, domainerrors.CodeOf(err))
	assert.Equal(t, shortfalls, events.ShortfallsOf(err))
}

func TestStockClient_PassesErrorsThrough(t *testing.T) {
	caller := &mockCaller{}
	timeout := domainerrors.New(domainerrors.ErrCodeTimeoutError, "no reply")
	caller.On("Call", "stock_queue", "check_stock", mock.Anything).Return(timeout, nil)
	caller.On("Call", "stock_queue", "restore_stock", events.RestoreStockRequest{OrderID: 5}).Return(timeout, nil)

	c := NewStockClient(caller, "stock_queue", messaging.DefaultTimeouts())

	_, err := c.CheckStock(context.Background(), []events.ItemQuantity{{ProductID: 1, Quantity: 1}})
	assert.ErrorIs(t, err, timeout)
	assert.ErrorIs(t, c.RestoreStock(context.Background(), 5), timeout)
}

func TestStockClient_GetPrices(t *testing.T) {
	caller := &mockCaller{}
	caller.On("Call", "stock_queue", "get_prices", events.GetPricesRequest{ProductIDs: []int64{1, 99}}).
		Return(nil, func(resp any) { resp.(*events.GetPricesReply).Missing = []int64{99} })

	c := NewStockClient(caller, "stock_queue", messaging.DefaultTimeouts())
	reply, err := c.GetPrices(context.Background(), []int64{1, 99})

	require.NoError(t, err)
	assert.Equal(t, []int64{99}, reply.Missing)
}

func TestUserClient_GetUser(t *testing.T) {
	caller := &mockCaller{}
	caller.On("Call", "users_queue", "get_user", events.GetUserRequest{ID: 1}).
		Return(nil, func(resp any) { *resp.(*events.UserReply) = events.UserReply{ID: 1, Name: "Kim", Email: "kim@example.com"} })

	c := NewUserClient(caller, "users_queue", messaging.DefaultTimeouts())
	user, err := c.GetUser(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, "kim@example.com", user.Email)
}

type capturePublisher struct {
	key string
	msg amqp.Publishing
}

func (p *capturePublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.key = routingKey
	p.msg = msg
	return nil
}

func TestNotificationPublisher_PublishOrderConfirmation(t *testing.T) {
	pub := &capturePublisher{}
	n := NewNotificationPublisher(pub, "notifications_queue")

	err := n.PublishOrderConfirmation(context.Background(), events.OrderConfirmationEmailEvent{
		OrderID:      42,
		CustomerName: "Kim",
		Email:        "kim@example.com",
	})

	require.NoError(t, err)
	assert.Equal(t, "notifications_queue", pub.key)
	assert.Equal(t, "order_confirmation_email", pub.msg.Type)
	assert.Equal(t, "order-confirmation-42", pub.msg.MessageId)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)

	var decoded events.OrderConfirmationEmailEvent
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, int64(42), decoded.OrderID)
}
