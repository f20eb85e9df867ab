package events

import (
	"encoding/json"

	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
)

// ReplyError 응답 페이로드에 실리는 에러
type ReplyError struct {
	Code    domainerrors.ErrorCode `json:"code"`
	Message string                 `json:"message"`
	Details json.RawMessage        `json:"details,omitempty"`
}

// Reply request/reply 응답 봉투
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ReplyError     `json:"error,omitempty"`
}

// NewReply 결과 또는 에러로 응답 봉투 생성
func NewReply(data any, err error) (Reply, error) {
	if err != nil {
		return Reply{Error: ToReplyError(err)}, nil
	}
	payload, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return Reply{}, marshalErr
	}
	return Reply{Data: payload}, nil
}

// ToReplyError 에러를 호출자에게 전달할 형태로 변환
func ToReplyError(err error) *ReplyError {
	code := domainerrors.CodeOf(err)
	if code == "" {
		code = domainerrors.ErrCodeUnknownError
	}

	replyErr := &ReplyError{Code: code, Message: err.Error()}

	if details := detailsOf(err); details != nil {
		if raw, marshalErr := json.Marshal(details); marshalErr == nil {
			replyErr.Details = raw
		}
	}
	return replyErr
}

// Err 응답 에러를 도메인 에러로 복원
func (r *ReplyError) Err() *domainerrors.DomainError {
	if r == nil {
		return nil
	}
	domainErr := domainerrors.New(r.Code, r.Message)
	if len(r.Details) > 0 {
		domainErr.Details = r.Details
	}
	return domainErr
}

// detailsOf 체인에서 가장 먼저 만나는 Details 반환
func detailsOf(err error) any {
	for err != nil {
		domainErr, ok := err.(*domainerrors.DomainError)
		if ok && domainErr.Details != nil {
			return domainErr.Details
		}
		if ok {
			err = domainErr.Cause
			continue
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = unwrapper.Unwrap()
	}
	return nil
}

// ShortfallsOf 재고 부족 에러에서 부족 항목 추출
func ShortfallsOf(err error) []Shortfall {
	details := detailsOf(err)
	switch d := details.(type) {
	case []Shortfall:
		return d
	case json.RawMessage:
		var out []Shortfall
		if json.Unmarshal(d, &out) == nil {
			return out
		}
	}
	return nil
}
