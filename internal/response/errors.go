// internal/response/errors.go
package response

import (
	"errors"
	"fmt"
)

var (
	// ErrParse 는 응답 body 가 구조적으로 잘못되었을 때.
	ErrParse = errors.New("response: malformed body")

	// ErrOverflow 는 숫자 값이 32bit 정수 범위를 넘었을 때.
	ErrOverflow = errors.New("response: numeric value out of range")
)

// ParseError 는 응답 body 를 해석하지 못한 이유를 담는다.
// errors.Is(err, ErrParse) 로 판별한다.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("response: %s: %v", e.Reason, e.Err)
	}
	return "response: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// OverflowError 는 key 의 값이 허용 범위를 넘었음을 뜻한다.
// errors.Is(err, ErrOverflow) 로 판별한다.
type OverflowError struct {
	Key   string
	Value string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("response: value %q for key %q out of 32-bit range", e.Value, e.Key)
}

func (e *OverflowError) Is(target error) bool { return target == ErrOverflow }
