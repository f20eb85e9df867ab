package domain

import (
	"sort"

	"github.com/shopspring/decimal"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
)

// Product 상품 (재고의 원본)
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
}

// ToReply 응답 변환
func (p Product) ToReply() events.ProductReply {
	return events.ProductReply{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Stock:       p.Stock,
	}
}

// DecrementStatus 주문별 재고 차감 기록 상태
type DecrementStatus string

const (
	DecrementApplied  DecrementStatus = "applied"
	DecrementRestored DecrementStatus = "restored"
)

// ValidateItems 항목이 비어 있지 않고 모든 수량이 1 이상인지 확인
func ValidateItems(items []events.ItemQuantity) error {
	if len(items) == 0 {
		return domainerrors.Validation("items must not be empty")
	}
	for _, item := range items {
		if item.ProductID <= 0 {
			return domainerrors.Validation("invalid product id %d", item.ProductID)
		}
		if item.Quantity < 1 {
			return domainerrors.Validation("quantity for product %d must be at least 1", item.ProductID)
		}
	}
	return nil
}

// Normalize 같은 상품을 합치고 상품 ID 순으로 정렬.
//
// 여러 주문이 같은 상품들을 잠글 때 항상 같은 순서로 잠그게 된다.
func Normalize(items []events.ItemQuantity) []events.ItemQuantity {
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

// ProductIDs 항목의 상품 ID 목록
func ProductIDs(items []events.ItemQuantity) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return ids
}

// Shortfalls 현재 재고로 충족할 수 없는 항목. 카탈로그에 없는 상품은 제외한다.
func Shortfalls(items []events.ItemQuantity, stock map[int64]int) []events.Shortfall {
	var out []events.Shortfall
	for _, item := range items {
		available, ok := stock[item.ProductID]
		if !ok {
			continue
		}
		if available < item.Quantity {
			out = append(out, events.Shortfall{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: available,
			})
		}
	}
	return out
}

// InsufficientStock 재고 부족 에러
func InsufficientStock(shortfalls []events.Shortfall) *domainerrors.DomainError {
	return domainerrors.New(domainerrors.ErrCodeInsufficientStock, "insufficient stock").WithDetails(shortfalls)
}
