// internal/transport/response.go
package transport

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"estat-beacon/internal/response"
)

// UnknownErrorCode 는 재시도를 모두 실패했거나 응답을 해석하지 못했을 때의
// 응답 코드. 실제 HTTP 상태 코드와 겹치지 않는다.
const UnknownErrorCode = math.MaxInt32

const (
	tooManyRequestsCode     = http.StatusTooManyRequests
	defaultRetryAfter       = 10 * time.Minute
	retryAfterHeader        = "Retry-After"
	erroneousThresholdCode  = 400
	successfulThresholdCode = 200
)

// StatusResponse
// ------------------------------------------------------------
// 서버 응답 하나를 정규화한 값.
//   - ResponseCode: HTTP 상태 코드 (또는 UnknownErrorCode)
//   - Headers:      응답 헤더 (sentinel 응답은 빈 헤더)
//   - Attributes:   body 를 해석한 결과. 에러 응답이면 UndefinedDefaults
type StatusResponse struct {
	ResponseCode int
	Headers      http.Header
	Attributes   response.Attributes
}

// UnknownError 는 sentinel 응답을 만든다.
func UnknownError() *StatusResponse {
	return &StatusResponse{
		ResponseCode: UnknownErrorCode,
		Headers:      http.Header{},
		Attributes:   response.UndefinedDefaults,
	}
}

func errorResponse(code int, headers http.Header) *StatusResponse {
	if headers == nil {
		headers = http.Header{}
	}
	return &StatusResponse{
		ResponseCode: code,
		Headers:      headers,
		Attributes:   response.UndefinedDefaults,
	}
}

// IsErroneous 는 응답 코드가 400 이상일 때 true. sentinel 도 포함된다.
func (r *StatusResponse) IsErroneous() bool {
	return r == nil || r.ResponseCode >= erroneousThresholdCode
}

// IsSuccessful 은 2xx/3xx 응답.
func (r *StatusResponse) IsSuccessful() bool {
	return r != nil && r.ResponseCode >= successfulThresholdCode && r.ResponseCode < erroneousThresholdCode
}

// IsTooManyRequests 는 서버가 429 로 요청을 거절했을 때 true.
func (r *StatusResponse) IsTooManyRequests() bool {
	return r != nil && r.ResponseCode == tooManyRequestsCode
}

// RetryAfter 는 Retry-After 헤더(초 단위)를 해석한다.
// 헤더가 없거나 숫자가 아니면 10분.
func (r *StatusResponse) RetryAfter() time.Duration {
	if r == nil {
		return defaultRetryAfter
	}
	v := strings.TrimSpace(r.Headers.Get(retryAfterHeader))
	if v == "" {
		return defaultRetryAfter
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec < 0 {
		return defaultRetryAfter
	}
	return time.Duration(sec) * time.Second
}
