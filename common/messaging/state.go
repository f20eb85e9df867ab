package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
)

// State 배달 처리 상태
type State int

const (
	StateReceived State = iota
	StateProcessing
	StateAcknowledged
	StateRetrying
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateProcessing:
		return "processing"
	case StateAcknowledged:
		return "acknowledged"
	case StateRetrying:
		return "retrying"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal 메시지가 더 이상 이 큐로 돌아오지 않는 상태인지
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateDeadLettered
}

// RetryPolicy 컨슈머별 재전달 한도
type RetryPolicy struct {
	// Ceiling 실패한 배달을 requeue 할 수 있는 최대 횟수
	Ceiling int
}

// Decide 핸들러 결과와 브로커 재전달 횟수로 다음 상태 결정.
//
// 같은 배달과 같은 에러에 대해 항상 같은 상태를 돌려준다.
func (p RetryPolicy) Decide(d amqp.Delivery, err error) State {
	if err == nil {
		return StateAcknowledged
	}

	switch domainerrors.Classify(err) {
	case domainerrors.ClassRejection:
		// 거절은 응답으로 전달되므로 큐 관점에서는 정상 처리
		return StateAcknowledged
	case domainerrors.ClassFatal:
		return StateDeadLettered
	}

	if DeliveryCount(d) < p.Ceiling {
		return StateRetrying
	}
	return StateDeadLettered
}

// Settle 상태에 맞게 ack/nack. 항상 배달 처리의 마지막 동작이다.
func Settle(d amqp.Delivery, state State) error {
	switch state {
	case StateAcknowledged:
		return d.Ack(false)
	case StateRetrying:
		return d.Nack(false, true)
	case StateDeadLettered:
		return d.Nack(false, false)
	}
	return fmt.Errorf("cannot settle delivery in state %s", state)
}

// DeliveryCount 브로커가 기록한 이전 실패 배달 횟수.
//
// quorum 큐의 x-delivery-count 와 x-death 항목 count 합 중 큰 값을 쓴다.
// 두 헤더가 모두 없는데 redelivered 플래그가 있으면 1로 본다.
func DeliveryCount(d amqp.Delivery) int {
	count := 0
	if v, ok := d.Headers["x-delivery-count"]; ok {
		count = toInt(v)
	}

	if deaths, ok := d.Headers["x-death"].([]interface{}); ok {
		sum := 0
		for _, entry := range deaths {
			if t, ok := entry.(amqp.Table); ok {
				sum += toInt(t["count"])
			}
		}
		if sum > count {
			count = sum
		}
	}

	if count == 0 && d.Redelivered {
		count = 1
	}
	return count
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
