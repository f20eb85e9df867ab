package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyungseok/msa-order-saga/common/config"
	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
)

// fakeAcknowledger settle 호출을 기록하는 amqp.Acknowledger
type fakeAcknowledger struct {
	mu          sync.Mutex
	acks        int
	requeues    int
	deadLetters int
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if requeue {
		f.requeues++
	} else {
		f.deadLetters++
	}
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func testQueue(ceiling int) config.QueueSpec {
	return config.QueueSpec{
		Name:               "orders_queue",
		Durable:            true,
		DeadLetterExchange: "orders_dlx",
		DeadLetterQueue:    "orders_dlq",
		Prefetch:           1,
		RetryCeiling:       ceiling,
	}
}

func redelivery(ack amqp.Acknowledger, count int) amqp.Delivery {
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(count + 1), Headers: amqp.Table{}}
	if count > 0 {
		d.Redelivered = true
		d.Headers["x-delivery-count"] = int64(count)
	}
	return d
}

func TestDeliveryCount(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqp.Delivery
		expected int
	}{
		{
			name:     "first delivery",
			delivery: amqp.Delivery{},
			expected: 0,
		},
		{
			name:     "quorum delivery count",
			delivery: amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int64(2)}},
			expected: 2,
		},
		{
			name: "x-death counts are summed",
			delivery: amqp.Delivery{Headers: amqp.Table{"x-death": []interface{}{
				amqp.Table{"count": int64(2), "queue": "orders_queue", "reason": "rejected"},
				amqp.Table{"count": int64(1), "queue": "orders_retry", "reason": "expired"},
			}}},
			expected: 3,
		},
		{
			name: "larger of both headers wins",
			delivery: amqp.Delivery{Headers: amqp.Table{
				"x-delivery-count": int32(4),
				"x-death":          []interface{}{amqp.Table{"count": int64(1)}},
			}},
			expected: 4,
		},
		{
			name:     "redelivered flag without headers",
			delivery: amqp.Delivery{Redelivered: true},
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeliveryCount(tt.delivery))
		})
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	policy := RetryPolicy{Ceiling: 2}
	transient := domainerrors.Transient("stock service timed out", context.DeadlineExceeded)

	tests := []struct {
		name     string
		count    int
		err      error
		expected State
	}{
		{"success", 0, nil, StateAcknowledged},
		{"business rejection is acknowledged", 0, domainerrors.New(domainerrors.ErrCodeInsufficientStock, "short"), StateAcknowledged},
		{"fatal dead-letters on first delivery", 0, domainerrors.NotFound("product 9 not found"), StateDeadLettered},
		{"malformed payload dead-letters", 0, domainerrors.New(domainerrors.ErrCodeSerializationError, "bad json"), StateDeadLettered},
		{"transient below ceiling retries", 1, transient, StateRetrying},
		{"transient at ceiling dead-letters", 2, transient, StateDeadLettered},
		{"unclassified below ceiling retries", 0, errors.New("boom"), StateRetrying},
		{"unclassified at ceiling dead-letters", 2, errors.New("boom"), StateDeadLettered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.Decide(redelivery(nil, tt.count), tt.err))
		})
	}
}

func TestSettle(t *testing.T) {
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack}

	require.NoError(t, Settle(d, StateAcknowledged))
	require.NoError(t, Settle(d, StateRetrying))
	require.NoError(t, Settle(d, StateDeadLettered))
	assert.Error(t, Settle(d, StateProcessing))

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 1, ack.requeues)
	assert.Equal(t, 1, ack.deadLetters)
}

func TestConsumer_RetriesUpToCeilingThenDeadLettersOnce(t *testing.T) {
	for _, ceiling := range []int{1, 2, 3} {
		ack := &fakeAcknowledger{}
		calls := 0
		consumer := NewConsumer(nil, testQueue(ceiling), func(ctx context.Context, d amqp.Delivery) error {
			calls++
			return domainerrors.Transient("dependency unavailable", errors.New("connection refused"))
		}, zap.NewNop())

		// 브로커처럼 requeue 될 때마다 x-delivery-count 를 올려 재전달
		count := 0
		for i := 0; i < 10; i++ {
			state := consumer.Process(context.Background(), redelivery(ack, count))
			if state != StateRetrying {
				assert.Equal(t, StateDeadLettered, state)
				break
			}
			count++
		}

		assert.Equal(t, ceiling, ack.requeues, "ceiling %d", ceiling)
		assert.Equal(t, 1, ack.deadLetters, "ceiling %d", ceiling)
		assert.Equal(t, 0, ack.acks, "ceiling %d", ceiling)
		assert.Equal(t, ceiling+1, calls, "ceiling %d", ceiling)
	}
}

func TestConsumer_FatalErrorNeverRequeued(t *testing.T) {
	ack := &fakeAcknowledger{}
	consumer := NewConsumer(nil, testQueue(3), func(ctx context.Context, d amqp.Delivery) error {
		return domainerrors.NotFound("product 99 not found")
	}, zap.NewNop())

	state := consumer.Process(context.Background(), redelivery(ack, 0))

	assert.Equal(t, StateDeadLettered, state)
	assert.Equal(t, 0, ack.requeues)
	assert.Equal(t, 1, ack.deadLetters)
}

func TestConsumer_PanicIsRecoverable(t *testing.T) {
	ack := &fakeAcknowledger{}
	consumer := NewConsumer(nil, testQueue(1), func(ctx context.Context, d amqp.Delivery) error {
		panic("nil map")
	}, zap.NewNop())

	assert.Equal(t, StateRetrying, consumer.Process(context.Background(), redelivery(ack, 0)))
	assert.Equal(t, StateDeadLettered, consumer.Process(context.Background(), redelivery(ack, 1)))
}

func TestConsumer_SuccessAcknowledges(t *testing.T) {
	ack := &fakeAcknowledger{}
	consumer := NewConsumer(nil, testQueue(2), func(ctx context.Context, d amqp.Delivery) error {
		return nil
	}, zap.NewNop())

	assert.Equal(t, StateAcknowledged, consumer.Process(context.Background(), redelivery(ack, 0)))
	assert.Equal(t, 1, ack.acks)
}

func TestQueueArgs(t *testing.T) {
	spec := testQueue(2)
	spec.DeadLetterRoutingKey = "orders.dead"

	args := queueArgs(spec)
	assert.Equal(t, "orders_dlx", args["x-dead-letter-exchange"])
	assert.Equal(t, "orders.dead", args["x-dead-letter-routing-key"])
	assert.Equal(t, "quorum", args["x-queue-type"])
	assert.Equal(t, int64(4), args["x-delivery-limit"])
	assert.NotContains(t, args, "x-message-ttl")

	spec.DeadLetterRoutingKey = ""
	assert.Equal(t, "orders_dlq", queueArgs(spec)["x-dead-letter-routing-key"])
}
