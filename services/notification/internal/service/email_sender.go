package service

import (
	"context"

	"go.uber.org/zap"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/common/metrics"
)

// EmailSender 주문 확인 메일 발송
type EmailSender interface {
	SendOrderConfirmation(ctx context.Context, evt events.OrderConfirmationEmailEvent) error
}

type logEmailSender struct {
	logger *zap.Logger
}

// NewLogEmailSender 로그로 발송을 대신하는 sender. 템플릿 렌더링과 SMTP 연동은 하지 않는다.
func NewLogEmailSender(logger *zap.Logger) EmailSender {
	return &logEmailSender{logger: logger}
}

// SendOrderConfirmation 주문 확인 메일 발송
func (s *logEmailSender) SendOrderConfirmation(ctx context.Context, evt events.OrderConfirmationEmailEvent) error {
	if evt.Email == "" {
		return domainerrors.Validation("order %d has no recipient email", evt.OrderID)
	}
	if err := ctx.Err(); err != nil {
		return domainerrors.Transient("email send aborted", err)
	}

	s.logger.Info("order confirmation email sent",
		zap.Int64("orderId", evt.OrderID),
		zap.String("email", evt.Email),
		zap.String("customerName", evt.CustomerName),
		zap.Int("itemCount", len(evt.Items)),
		zap.String("totalAmount", evt.TotalAmount.StringFixed(2)))

	metrics.RecordNotificationSent(string(events.EventOrderConfirmationEmail))
	return nil
}
