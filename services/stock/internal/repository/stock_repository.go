package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
	"github.com/kyungseok/msa-order-saga/services/stock/internal/domain"
)

// DecrementResult 재고 차감 결과
type DecrementResult struct {
	// AlreadyApplied 같은 주문의 차감이 이미 반영되어 있었음
	AlreadyApplied bool
	ProductIDs     []int64
}

// RestoreResult 재고 복구 결과
type RestoreResult struct {
	// Restored 이번 호출로 수량이 되돌려졌는지 (tombstone, 재복구는 false)
	Restored   bool
	ProductIDs []int64
}

// StockRepository 상품/재고 저장소
type StockRepository interface {
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	FindProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	Decrement(ctx context.Context, orderID int64, items []events.ItemQuantity) (DecrementResult, error)
	Restore(ctx context.Context, orderID int64) (RestoreResult, error)
}

type postgresStockRepository struct {
	db *sql.DB
}

// NewPostgresStockRepository PostgreSQL 저장소 생성
func NewPostgresStockRepository(db *sql.DB) StockRepository {
	return &postgresStockRepository{db: db}
}

const selectProduct = `SELECT id, name, description, price, stock FROM products`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock)
	return p, err
}

// GetProduct 상품 조회
func (r *postgresStockRepository) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, selectProduct+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domainerrors.NotFound("product %d not found", id)
	}
	if err != nil {
		return domain.Product{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to get product", err)
	}
	return p, nil
}

// ListProducts 전체 상품 조회
func (r *postgresStockRepository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, selectProduct+` ORDER BY id`)
	if err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to list products", err)
	}
	defer rows.Close()

	products := []domain.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to scan product", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to list products", err)
	}
	return products, nil
}

// FindProducts ID 목록으로 상품 조회. 없는 ID 는 결과에서 빠진다.
func (r *postgresStockRepository) FindProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, selectProduct+` WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to find products", err)
	}
	defer rows.Close()

	products := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to scan product", err)
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to find products", err)
	}
	return products, nil
}

// Decrement 주문 단위로 한 번만 재고 차감.
//
// stock_decrements 의 order_id 를 멱등성 키로 선점한 뒤 상품 ID 순으로
// 조건부 상대 차감을 수행한다. 한 항목이라도 부족하면 전체를 롤백한다.
func (r *postgresStockRepository) Decrement(ctx context.Context, orderID int64, items []events.ItemQuantity) (DecrementResult, error) {
	items = domain.Normalize(items)
	ids := domain.ProductIDs(items)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return DecrementResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	// 멱등성 키 선점. 동시에 같은 키를 넣는 트랜잭션은 여기서 대기한다.
	claimed, err := claim(ctx, tx, orderID, domain.DecrementApplied)
	if err != nil {
		return DecrementResult{}, err
	}

	if !claimed {
		status, err := lockStatus(ctx, tx, orderID)
		if err != nil {
			return DecrementResult{}, err
		}
		if status == domain.DecrementRestored {
			return DecrementResult{}, domainerrors.New(domainerrors.ErrCodeOrderCancelled,
				"stock for this order was already restored")
		}
		if err := tx.Commit(); err != nil {
			return DecrementResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to commit transaction", err)
		}
		return DecrementResult{AlreadyApplied: true, ProductIDs: ids}, nil
	}

	var missed []int64
	for _, item := range items {
		result, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = NOW()
			WHERE id = $2 AND stock >= $1
		`, item.Quantity, item.ProductID)
		if err != nil {
			return DecrementResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to decrement stock", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return DecrementResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to decrement stock", err)
		}
		if affected == 0 {
			missed = append(missed, item.ProductID)
		}
	}

	if len(missed) > 0 {
		return DecrementResult{}, r.explainMiss(ctx, tx, items, missed)
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_decrement_items (order_id, product_id, quantity)
			VALUES ($1, $2, $3)
		`, orderID, item.ProductID, item.Quantity); err != nil {
			return DecrementResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to record decrement item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return DecrementResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to commit transaction", err)
	}
	return DecrementResult{ProductIDs: ids}, nil
}

// explainMiss 조건부 차감에 실패한 상품이 부족한지 없는지 판별
func (r *postgresStockRepository) explainMiss(ctx context.Context, tx *sql.Tx, items []events.ItemQuantity, missed []int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, stock FROM products WHERE id = ANY($1)`, pq.Array(missed))
	if err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to read stock", err)
	}
	defer rows.Close()

	stock := make(map[int64]int, len(missed))
	for rows.Next() {
		var id int64
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to read stock", err)
		}
		stock[id] = qty
	}
	if err := rows.Err(); err != nil {
		return domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to read stock", err)
	}

	for _, id := range missed {
		if _, ok := stock[id]; !ok {
			return domainerrors.NotFound("product %d not found", id)
		}
	}

	missedItems := make([]events.ItemQuantity, 0, len(missed))
	for _, item := range items {
		if _, ok := stock[item.ProductID]; ok {
			missedItems = append(missedItems, item)
		}
	}
	// 차감이 실패한 상품은 트랜잭션 안에서 아직 원래 재고를 보고 있다
	return domain.InsufficientStock(domain.Shortfalls(missedItems, stock))
}

// Restore 주문의 차감을 되돌린다 (보상).
//
// 차감 기록이 없으면 restored tombstone 을 남겨 늦게 도착한 차감을 막는다.
func (r *postgresStockRepository) Restore(ctx context.Context, orderID int64) (RestoreResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RestoreResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	tombstoned, err := claim(ctx, tx, orderID, domain.DecrementRestored)
	if err != nil {
		return RestoreResult{}, err
	}
	if tombstoned {
		if err := tx.Commit(); err != nil {
			return RestoreResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to commit transaction", err)
		}
		return RestoreResult{}, nil
	}

	status, err := lockStatus(ctx, tx, orderID)
	if err != nil {
		return RestoreResult{}, err
	}

	items, err := decrementItems(ctx, tx, orderID)
	if err != nil {
		return RestoreResult{}, err
	}

	if status == domain.DecrementRestored {
		// 이미 복구됨. 캐시 재무효화를 위해 상품 ID 만 돌려준다.
		if err := tx.Commit(); err != nil {
			return RestoreResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to commit transaction", err)
		}
		return RestoreResult{ProductIDs: domain.ProductIDs(items)}, nil
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2
		`, item.Quantity, item.ProductID); err != nil {
			return RestoreResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to restore stock", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_decrements SET status = $1, updated_at = NOW() WHERE order_id = $2
	`, string(domain.DecrementRestored), orderID); err != nil {
		return RestoreResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to mark decrement restored", err)
	}

	if err := tx.Commit(); err != nil {
		return RestoreResult{}, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to commit transaction", err)
	}
	return RestoreResult{Restored: true, ProductIDs: domain.ProductIDs(items)}, nil
}

// claim order_id 키를 주어진 상태로 선점. 이미 있으면 false.
func claim(ctx context.Context, tx *sql.Tx, orderID int64, status domain.DecrementStatus) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO stock_decrements (order_id, status, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (order_id) DO NOTHING
	`, orderID, string(status))
	if err != nil {
		return false, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to claim decrement key", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to claim decrement key", err)
	}
	return affected == 1, nil
}

func lockStatus(ctx context.Context, tx *sql.Tx, orderID int64) (domain.DecrementStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM stock_decrements WHERE order_id = $1 FOR UPDATE
	`, orderID).Scan(&status)
	if err != nil {
		return "", domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to read decrement status", err)
	}
	return domain.DecrementStatus(status), nil
}

func decrementItems(ctx context.Context, tx *sql.Tx, orderID int64) ([]events.ItemQuantity, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM stock_decrement_items
		WHERE order_id = $1 ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to read decrement items", err)
	}
	defer rows.Close()

	var items []events.ItemQuantity
	for rows.Next() {
		var item events.ItemQuantity
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to read decrement items", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.Wrap(domainerrors.ErrCodeDatabaseError, "failed to read decrement items", err)
	}
	return items, nil
}
