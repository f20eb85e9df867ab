package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// StepRecord 사가 단계 결과 기록
type StepRecord struct {
	RequestKey string
	OrderID    int64
	Step       string
	Outcome    string
	Detail     string
}

// SagaStepRepository 사가 단계 기록 레포지토리
type SagaStepRepository interface {
	Record(ctx context.Context, record StepRecord) error
}

type sagaStepRepository struct {
	db *sql.DB
}

// NewSagaStepRepository 사가 단계 레포지토리 생성
func NewSagaStepRepository(db *sql.DB) SagaStepRepository {
	return &sagaStepRepository{db: db}
}

// Record 단계 결과 저장. 주문이 아직 없으면 order_id 는 NULL 이다.
func (r *sagaStepRepository) Record(ctx context.Context, record StepRecord) error {
	orderID := sql.NullInt64{Int64: record.OrderID, Valid: record.OrderID > 0}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO saga_steps (request_key, order_id, step, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, record.RequestKey, orderID, record.Step, record.Outcome, record.Detail)
	if err != nil {
		return fmt.Errorf("failed to record saga step: %w", err)
	}
	return nil
}
