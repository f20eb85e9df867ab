package events

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// 가격은 JSON number 로 주고받는다
	decimal.MarshalJSONWithoutQuotes = true
}

// EventType 이벤트 타입 정의
type EventType string

const (
	// Order lifecycle events (outbox -> Kafka)
	EventOrderCreated   EventType = "order.created.v1"
	EventOrderCompleted EventType = "order.completed.v1"
	EventOrderCancelled EventType = "order.cancelled.v1"

	// Notification events (RabbitMQ)
	EventOrderConfirmationEmail EventType = "order_confirmation_email"
)

// Command request/reply 커맨드 이름 (AMQP Type 속성)
type Command string

const (
	CmdCreateOrder    Command = "create_order"
	CmdGetOrder       Command = "get_order"
	CmdGetUserOrders  Command = "get_user_orders"
	CmdCheckStock     Command = "check_stock"
	CmdGetPrices      Command = "get_prices"
	CmdDecrementStock Command = "decrement_stock"
	CmdRestoreStock   Command = "restore_stock"
	CmdGetProduct     Command = "get_product"
	CmdGetProducts    Command = "get_products"
	CmdGetUser        Command = "get_user"
)

// BaseEvent 모든 이벤트의 기본 구조
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     EventType `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
}

// ItemQuantity 상품별 수량
type ItemQuantity struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// PricedItem 가격 스냅샷이 포함된 주문 항목
type PricedItem struct {
	ProductID int64           `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// CreateOrderRequest 주문 생성 요청 (gateway -> order)
type CreateOrderRequest struct {
	// RequestID 호출자가 발급한 요청 ID. MessageId 가 없을 때 멱등 키로 쓴다.
	RequestID string         `json:"requestId,omitempty"`
	UserID    int64          `json:"userId"`
	Items     []ItemQuantity `json:"items"`
}

// OrderReply 주문 응답
type OrderReply struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"userId"`
	Items       []PricedItem    `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// GetOrderRequest 주문 조회 요청
type GetOrderRequest struct {
	ID int64 `json:"id"`
}

// GetUserOrdersRequest 사용자 주문 목록 조회 요청
type GetUserOrdersRequest struct {
	UserID int64 `json:"userId"`
}

// Shortfall 재고 부족 항목
type Shortfall struct {
	ProductID int64 `json:"productId"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

// CheckStockReply 재고 확인 응답. 요청은 []ItemQuantity 그대로 전달된다.
type CheckStockReply struct {
	Success           bool        `json:"success"`
	InsufficientItems []Shortfall `json:"insufficientItems,omitempty"`
}

// GetPricesRequest 가격 조회 요청
type GetPricesRequest struct {
	ProductIDs []int64 `json:"productIds"`
}

// ProductPrice 상품 현재 가격
type ProductPrice struct {
	ProductID int64           `json:"productId"`
	Price     decimal.Decimal `json:"price"`
}

// GetPricesReply 가격 조회 응답. 카탈로그에 없는 상품은 Missing 에 포함된다.
type GetPricesReply struct {
	Prices  []ProductPrice `json:"prices"`
	Missing []int64        `json:"missing,omitempty"`
}

// DecrementStockRequest 재고 차감 요청 (orderId 기준 멱등)
type DecrementStockRequest struct {
	OrderID int64          `json:"orderId"`
	Items   []ItemQuantity `json:"items"`
}

// DecrementStockReply 재고 차감 응답
type DecrementStockReply struct {
	Success           bool        `json:"success"`
	InsufficientItems []Shortfall `json:"insufficientItems,omitempty"`
}

// RestoreStockRequest 재고 복구 요청 (보상 트랜잭션)
type RestoreStockRequest struct {
	OrderID int64 `json:"orderId"`
}

// RestoreStockReply 재고 복구 응답
type RestoreStockReply struct {
	Success  bool `json:"success"`
	Restored bool `json:"restored"`
}

// GetProductRequest 상품 조회 요청
type GetProductRequest struct {
	ID int64 `json:"id"`
}

// ProductReply 상품 응답
type ProductReply struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

// GetUserRequest 사용자 조회 요청 (user service)
type GetUserRequest struct {
	ID int64 `json:"id"`
}

// UserReply 사용자 응답
type UserReply struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsActive bool   `json:"isActive"`
}

// OrderCreatedEvent 주문 생성 이벤트
type OrderCreatedEvent struct {
	BaseEvent
	OrderID int64        `json:"orderId"`
	UserID  int64        `json:"userId"`
	Items   []PricedItem `json:"items"`
}

// OrderCompletedEvent 주문 완료 이벤트
type OrderCompletedEvent struct {
	BaseEvent
	OrderID     int64           `json:"orderId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// OrderCancelledEvent 주문 취소 이벤트
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	Reason  string `json:"reason"`
}

// OrderConfirmationEmailEvent 주문 확인 메일 이벤트
type OrderConfirmationEmailEvent struct {
	OrderID      int64           `json:"orderId"`
	CustomerName string          `json:"customerName"`
	Email        string          `json:"email"`
	Items        []PricedItem    `json:"items"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
}

// NewBaseEvent 공통 이벤트 헤더 생성
func NewBaseEvent(eventID string, eventType EventType, correlationID string, now time.Time) BaseEvent {
	return BaseEvent{
		EventID:       eventID,
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    now,
		CorrelationID: correlationID,
	}
}
