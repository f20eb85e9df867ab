package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
)

// OrderStatus 주문 상태
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderItem 가격 스냅샷이 포함된 주문 항목
type OrderItem struct {
	ProductID int64
	Quantity  int
	Price     decimal.Decimal
}

// Order 주문 도메인 모델
type Order struct {
	ID          int64
	UserID      int64
	Items       []OrderItem
	TotalAmount decimal.Decimal
	Status      OrderStatus
	Version     int64
	RequestKey  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewOrder pending 주문 생성. 합계는 스냅샷 가격으로 계산한다.
func NewOrder(userID int64, items []OrderItem, requestKey string, now time.Time) *Order {
	return &Order{
		UserID:      userID,
		Items:       items,
		TotalAmount: Total(items),
		Status:      OrderStatusPending,
		RequestKey:  requestKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Total 항목 합계 (소수 둘째 자리)
func Total(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total.Round(2)
}

// CanTransitionTo 상태 전이 가능 여부 확인. pending 에서만 나갈 수 있다.
func (o *Order) CanTransitionTo(newStatus OrderStatus) bool {
	transitions := map[OrderStatus][]OrderStatus{
		OrderStatusPending: {
			OrderStatusCompleted,
			OrderStatusCancelled,
		},
	}

	for _, allowed := range transitions[o.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo 상태 전이
func (o *Order) TransitionTo(newStatus OrderStatus, now time.Time) bool {
	if !o.CanTransitionTo(newStatus) {
		return false
	}
	o.Status = newStatus
	o.UpdatedAt = now
	return true
}

// Quantities 재고 서비스로 보낼 항목
func (o *Order) Quantities() []events.ItemQuantity {
	out := make([]events.ItemQuantity, 0, len(o.Items))
	for _, item := range o.Items {
		out = append(out, events.ItemQuantity{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

// PricedItems 이벤트용 항목
func (o *Order) PricedItems() []events.PricedItem {
	out := make([]events.PricedItem, 0, len(o.Items))
	for _, item := range o.Items {
		out = append(out, events.PricedItem{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price})
	}
	return out
}

// ToReply 응답 변환
func (o *Order) ToReply() events.OrderReply {
	return events.OrderReply{
		ID:          o.ID,
		UserID:      o.UserID,
		Items:       o.PricedItems(),
		TotalAmount: o.TotalAmount,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
	}
}

// ValidateRequest 주문 요청 검증
func ValidateRequest(req events.CreateOrderRequest) error {
	if req.UserID <= 0 {
		return domainerrors.Validation("userId is required")
	}
	if len(req.Items) == 0 {
		return domainerrors.Validation("items must not be empty")
	}
	for _, item := range req.Items {
		if item.ProductID <= 0 {
			return domainerrors.Validation("invalid product id %d", item.ProductID)
		}
		if item.Quantity < 1 {
			return domainerrors.Validation("quantity for product %d must be at least 1", item.ProductID)
		}
	}
	return nil
}

// MergeItems 같은 상품 항목을 합치고 상품 ID 순으로 정렬
func MergeItems(items []events.ItemQuantity) []events.ItemQuantity {
	merged := make(map[int64]int, len(items))
	for _, item := range items {
		merged[item.ProductID] += item.Quantity
	}
	out := make([]events.ItemQuantity, 0, len(merged))
	for id, qty := range merged {
		out = append(out, events.ItemQuantity{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
