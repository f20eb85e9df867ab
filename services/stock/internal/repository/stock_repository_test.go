package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/events"
)

func setupRepository(t *testing.T) (StockRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStockRepository(db), mock
}

func TestDecrement_AppliesOnce(t *testing.T) {
	repo, mock := setupRepository(t)
	items := []events.ItemQuantity{{ProductID: 1, Quantity: 2}}

	// 첫 번째 차감: 키 선점 후 조건부 차감
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WithArgs(int64(42), "applied").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WithArgs(2, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stock_decrement_items").
		WithArgs(int64(42), int64(1), 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// 재전달된 차감: 키가 이미 applied 이므로 재고를 건드리지 않는다
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WithArgs(int64(42), "applied").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM stock_decrements").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("applied"))
	mock.ExpectCommit()

	first, err := repo.Decrement(context.Background(), 42, items)
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)
	assert.Equal(t, []int64{1}, first.ProductIDs)

	second, err := repo.Decrement(context.Background(), 42, items)
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrement_ShortfallRollsBackEverything(t *testing.T) {
	repo, mock := setupRepository(t)
	items := []events.ItemQuantity{
		{ProductID: 2, Quantity: 1},
		{ProductID: 1, Quantity: 2},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WithArgs(int64(7), "applied").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 상품 ID 순서로 잠근다
	mock.ExpectExec("UPDATE products").
		WithArgs(2, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE products").
		WithArgs(1, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, stock FROM products").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "stock"}).AddRow(1, 1))
	mock.ExpectRollback()

	_, err := repo.Decrement(context.Background(), 7, items)

	require.Error(t, err)
	assert.Equal(t, domainerrors.ErrCodeInsufficientStock, domainerrors.CodeOf(err))
	assert.Equal(t, []events.Shortfall{{ProductID: 1, Requested: 2, Available: 1}}, events.ShortfallsOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrement_UnknownProductIsNotFound(t *testing.T) {
	repo, mock := setupRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WithArgs(1, int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, stock FROM products").
		WillReturnRows(sqlmock.NewRows([]string{"id", "stock"}))
	mock.ExpectRollback()

	_, err := repo.Decrement(context.Background(), 8, []events.ItemQuantity{{ProductID: 99, Quantity: 1}})

	assert.Equal(t, domainerrors.ErrCodeNotFound, domainerrors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrement_AfterRestoreIsRejected(t *testing.T) {
	repo, mock := setupRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM stock_decrements").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("restored"))
	mock.ExpectRollback()

	_, err := repo.Decrement(context.Background(), 9, []events.ItemQuantity{{ProductID: 1, Quantity: 1}})

	assert.Equal(t, domainerrors.ErrCodeOrderCancelled, domainerrors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestore_AddsRecordedQuantitiesBack(t *testing.T) {
	repo, mock := setupRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WithArgs(int64(42), "restored").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM stock_decrements").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("applied"))
	mock.ExpectQuery("SELECT product_id, quantity FROM stock_decrement_items").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectExec("UPDATE products SET stock = stock \\+ \\$1").
		WithArgs(2, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE stock_decrements SET status").
		WithArgs("restored", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Restore(context.Background(), 42)

	require.NoError(t, err)
	assert.True(t, result.Restored)
	assert.Equal(t, []int64{1}, result.ProductIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestore_SecondCallIsNoop(t *testing.T) {
	repo, mock := setupRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM stock_decrements").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("restored"))
	mock.ExpectQuery("SELECT product_id, quantity FROM stock_decrement_items").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectCommit()

	result, err := repo.Restore(context.Background(), 42)

	require.NoError(t, err)
	assert.False(t, result.Restored)
	assert.Equal(t, []int64{1}, result.ProductIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestore_UnknownOrderLeavesTombstone(t *testing.T) {
	repo, mock := setupRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_decrements").
		WithArgs(int64(5), "restored").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Restore(context.Background(), 5)

	require.NoError(t, err)
	assert.False(t, result.Restored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProduct(t *testing.T) {
	repo, mock := setupRepository(t)

	mock.ExpectQuery("SELECT id, name, description, price, stock FROM products WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "price", "stock"}).
			AddRow(1, "Product 1", "Description 1", "999.99", 10))
	mock.ExpectQuery("SELECT id, name, description, price, stock FROM products WHERE id = \\$1").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	product, err := repo.GetProduct(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("999.99").Equal(product.Price))
	assert.Equal(t, 10, product.Stock)

	_, err = repo.GetProduct(context.Background(), 404)
	assert.Equal(t, domainerrors.ErrCodeNotFound, domainerrors.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
