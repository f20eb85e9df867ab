package config

import (
	"fmt"
	"strings"
	"time"
)

// QueueSpec 큐별 설정 (내구성, TTL, dead-letter 대상, prefetch, 재시도 한도)
type QueueSpec struct {
	Name                 string
	Durable              bool
	MessageTTL           time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	DeadLetterQueue      string
	DeadLetterTTL        time.Duration
	Prefetch             int
	RetryCeiling         int
}

// Validate 모든 큐는 dead-letter 대상을 가져야 한다
func (q QueueSpec) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if q.DeadLetterExchange == "" || q.DeadLetterQueue == "" {
		return fmt.Errorf("queue %s: dead-letter exchange and queue are required", q.Name)
	}
	if q.Prefetch < 1 {
		return fmt.Errorf("queue %s: prefetch must be >= 1", q.Name)
	}
	if q.RetryCeiling < 0 {
		return fmt.Errorf("queue %s: retry ceiling must be >= 0", q.Name)
	}
	return nil
}

// LoadQueue 기본값 위에 <PREFIX>_* 환경 변수를 덮어써서 큐 설정 로드
//
//	ORDERS_QUEUE_NAME, ORDERS_QUEUE_PREFETCH, ORDERS_QUEUE_RETRY_CEILING, ...
func LoadQueue(prefix string, defaults QueueSpec) QueueSpec {
	p := strings.ToUpper(prefix) + "_"
	return QueueSpec{
		Name:                 GetEnv(p+"NAME", defaults.Name),
		Durable:              GetBool(p+"DURABLE", defaults.Durable),
		MessageTTL:           GetDuration(p+"MESSAGE_TTL", defaults.MessageTTL),
		DeadLetterExchange:   GetEnv(p+"DLX", defaults.DeadLetterExchange),
		DeadLetterRoutingKey: GetEnv(p+"DLX_ROUTING_KEY", defaults.DeadLetterRoutingKey),
		DeadLetterQueue:      GetEnv(p+"DLQ", defaults.DeadLetterQueue),
		DeadLetterTTL:        GetDuration(p+"DLQ_TTL", defaults.DeadLetterTTL),
		Prefetch:             GetInt(p+"PREFETCH", defaults.Prefetch),
		RetryCeiling:         GetInt(p+"RETRY_CEILING", defaults.RetryCeiling),
	}
}
