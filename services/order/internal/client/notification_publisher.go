package client

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/messaging"
	"github.com/kyungseok/msa-order-saga/common/tracing"
)

// NotificationPublisher 알림 큐로 주문 확인 메일 이벤트 발행
type NotificationPublisher struct {
	publisher messaging.Publisher
	queue     string
}

// NewNotificationPublisher 알림 발행기 생성
func NewNotificationPublisher(publisher messaging.Publisher, queue string) *NotificationPublisher {
	return &NotificationPublisher{publisher: publisher, queue: queue}
}

// PublishOrderConfirmation 주문 확인 메일 이벤트 발행.
// MessageId 는 주문마다 고정이라 사가가 다시 실행되어도 같은 메시지로 식별된다.
func (p *NotificationPublisher) PublishOrderConfirmation(ctx context.Context, event events.OrderConfirmationEmailEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "failed to encode order confirmation", err)
	}

	return p.publisher.Publish(ctx, "", p.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("order-confirmation-%d", event.OrderID),
		Type:         string(events.EventOrderConfirmationEmail),
		Headers:      tracing.Inject(ctx, nil),
		Body:         body,
	})
}
