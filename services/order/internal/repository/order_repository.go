package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/services/order/internal/domain"
)

// ErrDuplicateRequestKey 같은 요청 키의 주문이 이미 있음
var ErrDuplicateRequestKey = errors.New("duplicate request key")

// EventBuilder 주문 ID 가 정해진 뒤 outbox 이벤트를 만든다
type EventBuilder func(order *domain.Order) (*OutboxEvent, error)

// OrderRepository 주문 레포지토리 인터페이스
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order, event EventBuilder) error
	FindByID(ctx context.Context, id int64) (*domain.Order, error)
	FindByRequestKey(ctx context.Context, key string) (*domain.Order, error)
	FindByUserID(ctx context.Context, userID int64) ([]*domain.Order, error)
	TransitionStatus(ctx context.Context, id int64, from, to domain.OrderStatus, event *OutboxEvent) (bool, error)
}

type orderRepository struct {
	db     *sql.DB
	outbox OutboxRepository
}

// NewOrderRepository 주문 레포지토리 생성
func NewOrderRepository(db *sql.DB, outbox OutboxRepository) OrderRepository {
	return &orderRepository{db: db, outbox: outbox}
}

const selectOrder = `
	SELECT id, user_id, total_amount, status, version, request_key, created_at, updated_at
	FROM orders
`

// Create 주문, 주문 항목, outbox 이벤트를 한 트랜잭션으로 저장
func (r *orderRepository) Create(ctx context.Context, order *domain.Order, event EventBuilder) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, total_amount, status, request_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, version
	`,
		order.UserID,
		order.TotalAmount,
		string(order.Status),
		order.RequestKey,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID, &order.Version)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Unique constraint violation
			return fmt.Errorf("%w: %s", ErrDuplicateRequestKey, order.RequestKey)
		}
		return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to create order", err)
	}

	for _, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)
		`, order.ID, item.ProductID, item.Quantity, item.Price); err != nil {
			return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to create order item", err)
		}
	}

	if event != nil {
		outboxEvent, err := event(order)
		if err != nil {
			return domainerrors.Wrap(domainerrors.ErrCodeSerializationError, "failed to build outbox event", err)
		}
		if err := r.outbox.InsertTx(ctx, tx, outboxEvent); err != nil {
			return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to insert outbox event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to commit transaction", err)
	}
	return nil
}

// FindByID ID로 주문 조회
func (r *orderRepository) FindByID(ctx context.Context, id int64) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainerrors.NotFound("order %d not found", id)
	}
	if err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to find order", err)
	}
	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// FindByRequestKey 요청 키로 주문 조회. 없으면 nil.
func (r *orderRepository) FindByRequestKey(ctx context.Context, key string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, selectOrder+` WHERE request_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to find order", err)
	}
	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// FindByUserID 사용자 주문 목록 (최신순)
func (r *orderRepository) FindByUserID(ctx context.Context, userID int64) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, selectOrder+` WHERE user_id = $1 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to find orders", err)
	}
	defer rows.Close()

	orders := []*domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to scan order", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to find orders", err)
	}

	for _, order := range orders {
		if err := r.loadItems(ctx, order); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// TransitionStatus from 상태일 때만 to 로 바꾸고 outbox 이벤트를 같은 트랜잭션에 기록.
// 다른 상태였으면 false.
func (r *orderRepository) TransitionStatus(ctx context.Context, id int64, from, to domain.OrderStatus, event *OutboxEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(to), id, string(from))
	if err != nil {
		return false, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to update order status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if event != nil {
		if err := r.outbox.InsertTx(ctx, tx, event); err != nil {
			return false, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to insert outbox event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to commit transaction", err)
	}
	return true, nil
}

func (r *orderRepository) loadItems(ctx context.Context, order *domain.Order) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, order.ID)
	if err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to load order items", err)
	}
	defer rows.Close()

	order.Items = nil
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Price); err != nil {
			return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to scan order item", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to load order items", err)
	}
	return nil
}

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	order := &domain.Order{}
	var status string
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.TotalAmount,
		&status,
		&order.Version,
		&order.RequestKey,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}
