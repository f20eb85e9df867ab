package messaging

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyungseok/msa-order-saga/common/config"
)

type declared struct {
	name string
	args amqp.Table
}

type fakeDeclarer struct {
	exchanges []string
	queues    []declared
	bindings  [][3]string
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.queues = append(f.queues, declared{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.bindings = append(f.bindings, [3]string{name, key, exchange})
	return nil
}

func TestDeclareQueue_NotificationTopology(t *testing.T) {
	spec := config.QueueSpec{
		Name:                 "notifications_queue",
		Durable:              true,
		MessageTTL:           60 * time.Second,
		DeadLetterExchange:   "dead_letter_exchange",
		DeadLetterRoutingKey: "dead_letter_queue",
		DeadLetterQueue:      "dead_letter_queue",
		DeadLetterTTL:        24 * time.Hour,
		Prefetch:             1,
		RetryCeiling:         3,
	}

	ch := &fakeDeclarer{}
	require.NoError(t, declareQueue(ch, spec))

	assert.Equal(t, []string{"dead_letter_exchange:direct"}, ch.exchanges)
	require.Len(t, ch.queues, 2)

	dlq := ch.queues[0]
	assert.Equal(t, "dead_letter_queue", dlq.name)
	assert.Equal(t, int64(86400000), dlq.args["x-message-ttl"])

	main := ch.queues[1]
	assert.Equal(t, "notifications_queue", main.name)
	assert.Equal(t, int64(60000), main.args["x-message-ttl"])
	assert.Equal(t, "dead_letter_exchange", main.args["x-dead-letter-exchange"])
	assert.Equal(t, "dead_letter_queue", main.args["x-dead-letter-routing-key"])

	assert.Equal(t, [][3]string{{"dead_letter_queue", "dead_letter_queue", "dead_letter_exchange"}}, ch.bindings)
}

func TestQueueArgs_ClassicQueueHasNoDeliveryLimit(t *testing.T) {
	spec := testQueue(1)
	spec.Durable = false

	args := queueArgs(spec)
	assert.NotContains(t, args, "x-queue-type")
	assert.NotContains(t, args, "x-delivery-limit")
}
