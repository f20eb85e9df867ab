package saga

import (
	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
)

// Step 사가 단계
type Step string

const (
	StepValidate      Step = "validate"
	StepCheckStock    Step = "check_stock"
	StepResolvePrices Step = "resolve_prices"
	StepPersist       Step = "persist"
	StepDecrement     Step = "decrement"
	StepCompensate    Step = "compensate"
	StepNotify        Step = "notify"
	StepFinalize      Step = "finalize"
)

// Outcome 단계 결과
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeRecoverable Outcome = "recoverable"
	OutcomeFatal       Outcome = "fatal"
	OutcomeSkipped     Outcome = "skipped"
)

// StepResult 단계 실행 결과
type StepResult struct {
	Step    Step
	Outcome Outcome
	Err     error
}

// Failed 사가를 멈춰야 하는 결과인지
func (r StepResult) Failed() bool {
	return r.Outcome == OutcomeRecoverable || r.Outcome == OutcomeFatal
}

// outcomeOf 에러를 단계 결과로 분류. 분류되지 않은 에러는 재시도 대상이다.
func outcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSucceeded
	}
	switch domainerrors.Classify(err) {
	case domainerrors.ClassFatal, domainerrors.ClassRejection:
		return OutcomeFatal
	}
	return OutcomeRecoverable
}

// sequence 정상 경로 단계 순서
var sequence = []Step{
	StepValidate,
	StepCheckStock,
	StepResolvePrices,
	StepPersist,
	StepDecrement,
	StepNotify,
	StepFinalize,
}
