package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCode 에러 코드 정의
type ErrorCode string

const (
	// Business Errors
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeInsufficientStock ErrorCode = "INSUFFICIENT_STOCK"
	ErrCodeOrderCancelled    ErrorCode = "ORDER_CANCELLED"

	// Technical Errors
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeTimeoutError       ErrorCode = "TIMEOUT_ERROR"
	ErrCodeUnavailable        ErrorCode = "UNAVAILABLE"
	ErrCodeSerializationError ErrorCode = "SERIALIZATION_ERROR"
	ErrCodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

// DomainError 도메인 에러 구조체
type DomainError struct {
	Code    ErrorCode
	Message string
	Details any
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// New 새로운 도메인 에러 생성
func New(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Wrap 기존 에러를 래핑한 도메인 에러 생성
func Wrap(code ErrorCode, message string, cause error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithDetails 상세 정보를 첨부한 복사본 반환
func (e *DomainError) WithDetails(details any) *DomainError {
	clone := *e
	clone.Details = details
	return &clone
}

// Validation 잘못된 페이로드
func Validation(format string, args ...any) *DomainError {
	return New(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// NotFound 참조 대상 없음
func NotFound(format string, args ...any) *DomainError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// Transient 재시도 가능한 일시적 실패
func Transient(message string, cause error) *DomainError {
	code := ErrCodeUnavailable
	if stderrors.Is(cause, context.DeadlineExceeded) {
		code = ErrCodeTimeoutError
	}
	return Wrap(code, message, cause)
}

// CodeOf 에러 체인에서 첫 번째 도메인 에러 코드 추출
func CodeOf(err error) ErrorCode {
	var domainErr *DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// HasCode 에러 체인에 해당 코드가 있는지 확인
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var domainErr *DomainError
		if !stderrors.As(err, &domainErr) {
			return false
		}
		if domainErr.Code == code {
			return true
		}
		err = domainErr.Cause
	}
	return false
}

// IsBusinessError 비즈니스 에러인지 판단 (재시도 불필요)
func IsBusinessError(err error) bool {
	switch Classify(err) {
	case ClassFatal, ClassRejection:
		return true
	}
	return false
}

// Class 실패 분류
type Class int

const (
	// ClassUnknown 분류되지 않은 에러, 한도까지는 재시도 대상
	ClassUnknown Class = iota
	// ClassTransient 타임아웃, 일시적 장애
	ClassTransient
	// ClassFatal 재시도해도 해결되지 않는 에러 (dead-letter)
	ClassFatal
	// ClassRejection 정상 응답으로 전달되는 비즈니스 거절
	ClassRejection
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// Classify 에러를 재시도 정책 관점에서 분류
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var domainErr *DomainError
	if stderrors.As(err, &domainErr) {
		switch domainErr.Code {
		case ErrCodeValidation, ErrCodeNotFound, ErrCodeOrderCancelled, ErrCodeSerializationError:
			return ClassFatal
		case ErrCodeInsufficientStock:
			return ClassRejection
		case ErrCodeDatabaseError, ErrCodeNetworkError, ErrCodeTimeoutError, ErrCodeUnavailable:
			return ClassTransient
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassUnknown
}
