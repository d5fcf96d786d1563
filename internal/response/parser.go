// internal/response/parser.go
package response

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// KeyValuePrefix 는 legacy key=value 응답이 반드시 가져야 하는 시작 문자열.
const KeyValuePrefix = "type=m"

// legacy key=value 응답 키
const (
	kvKeyType          = "type"
	kvKeyBeaconSizeKB  = "bl"
	kvKeySendInterval  = "si"
	kvKeyCapture       = "cp"
	kvKeyReportCrashes = "cr"
	kvKeyReportErrors  = "er"
	kvKeyServerID      = "id"
	kvKeyMultiplicity  = "mp"
)

// Parse
//
// 서버 응답 body 를 Attributes 로 변환한다.
//   - "type=m" 으로 시작하면 legacy key=value 형식
//   - 그 외에는 JSON 형식으로 시도
//
// 구조가 잘못된 body 는 항상 에러를 반환한다.
// 기본값은 "키가 없을 때"에만 적용된다.
func Parse(body string) (Attributes, error) {
	if strings.HasPrefix(body, KeyValuePrefix) {
		return ParseKeyValue(body)
	}
	return ParseJSON([]byte(body))
}

// ParseKeyValue
//
// "type=m&bl=17&id=18&cp=0" 형태의 응답을 해석한다.
//
// 규칙:
//  1. 반드시 "type=m" 으로 시작해야 한다.
//  2. '&' 와 '=' 로 나눈 토큰 수는 짝수여야 한다 (key, value 쌍).
//  3. 모르는 키는 무시한다.
//  4. 숫자 값이 32bit 범위를 넘으면 OverflowError.
func ParseKeyValue(body string) (Attributes, error) {
	if !strings.HasPrefix(body, KeyValuePrefix) {
		return Attributes{}, &ParseError{Reason: "key-value response must start with " + KeyValuePrefix}
	}

	tokens := strings.FieldsFunc(body, func(r rune) bool { return r == '&' || r == '=' })
	if len(tokens)%2 != 0 {
		return Attributes{}, &ParseError{Reason: "invalid key-value response; even number of tokens expected"}
	}

	b := NewBuilder(KeyValueDefaults)
	for i := 0; i < len(tokens); i += 2 {
		key, value := tokens[i], tokens[i+1]

		switch key {
		case kvKeyType:
			// 형식 식별자. 값은 사용하지 않는다.
			continue
		case kvKeyBeaconSizeKB, kvKeySendInterval, kvKeyCapture,
			kvKeyReportCrashes, kvKeyReportErrors, kvKeyServerID, kvKeyMultiplicity:
		default:
			continue
		}

		n, err := parseInt32(key, value)
		if err != nil {
			return Attributes{}, err
		}

		switch key {
		case kvKeyBeaconSizeKB:
			b.WithMaxBeaconSizeInBytes(n * 1024)
		case kvKeySendInterval:
			b.WithSendIntervalInMillis(n * 1000)
		case kvKeyCapture:
			b.WithCapture(n == 1)
		case kvKeyReportCrashes:
			b.WithCaptureCrashes(n != 0)
		case kvKeyReportErrors:
			b.WithCaptureErrors(n != 0)
		case kvKeyServerID:
			b.WithServerID(n)
		case kvKeyMultiplicity:
			b.WithMultiplicity(n)
		}
	}

	return b.Build(), nil
}

// parseInt32 는 32bit 정수로 해석한다.
// 범위 초과는 OverflowError, 숫자가 아니면 ParseError.
func parseInt32(key, value string) (int, error) {
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, &OverflowError{Key: key, Value: value}
		}
		return 0, &ParseError{Reason: "invalid number for key " + strconv.Quote(key), Err: err}
	}
	return int(n), nil
}

// ------------------------------------------------------------
// JSON 응답
// ------------------------------------------------------------

// jsonResponse 는 JSON 응답 구조. 포인터 필드로 "키가 있었는지"를 구분한다.
type jsonResponse struct {
	AgentConfig   *jsonAgentConfig   `json:"agentConfig"`
	AppConfig     *jsonAppConfig     `json:"appConfig"`
	DynamicConfig *jsonDynamicConfig `json:"dynamicConfig"`
	Timestamp     *int64             `json:"timestamp"`
}

type jsonAgentConfig struct {
	MaxBeaconSizeKB        *int64 `json:"maxBeaconSizeKb"`
	MaxSessionDurationMins *int64 `json:"maxSessionDurationMins"`
	MaxEventsPerSession    *int64 `json:"maxEventsPerSession"`
	SessionTimeoutSec      *int64 `json:"sessionTimeoutSec"`
	SendIntervalSec        *int64 `json:"sendIntervalSec"`
	VisitStoreVersion      *int64 `json:"visitStoreVersion"`
}

type jsonAppConfig struct {
	Capture                  *int64  `json:"capture"`
	ReportCrashes            *int64  `json:"reportCrashes"`
	ReportErrors             *int64  `json:"reportErrors"`
	TrafficControlPercentage *int64  `json:"trafficControlPercentage"`
	ApplicationID            *string `json:"applicationId"`
}

type jsonDynamicConfig struct {
	Multiplicity *int64  `json:"multiplicity"`
	ServerID     *int64  `json:"serverId"`
	Status       *string `json:"status"`
}

// ParseJSON
//
// JSON 응답을 해석한다. 단위 변환:
//   - maxBeaconSizeKb        KB  → bytes (×1024)
//   - maxSessionDurationMins 분  → ms    (×60000)
//   - sessionTimeoutSec      초  → ms    (×1000)
//   - sendIntervalSec        초  → ms    (×1000)
//
// 최상위가 객체가 아니거나 디코딩에 실패하면 ParseError.
func ParseJSON(body []byte) (Attributes, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Attributes{}, &ParseError{Reason: "JSON response must be an object"}
	}

	var r jsonResponse
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return Attributes{}, &ParseError{Reason: "invalid JSON response", Err: err}
	}

	b := NewBuilder(JSONDefaults)
	var err error

	if ac := r.AgentConfig; ac != nil {
		err = errors.Join(err,
			applyInt(ac.MaxBeaconSizeKB, "maxBeaconSizeKb", 1024, b.WithMaxBeaconSizeInBytes),
			applyInt(ac.MaxSessionDurationMins, "maxSessionDurationMins", 60*1000, b.WithMaxSessionDurationInMillis),
			applyInt(ac.MaxEventsPerSession, "maxEventsPerSession", 1, b.WithMaxEventsPerSession),
			applyInt(ac.SessionTimeoutSec, "sessionTimeoutSec", 1000, b.WithSessionTimeoutInMillis),
			applyInt(ac.SendIntervalSec, "sendIntervalSec", 1000, b.WithSendIntervalInMillis),
			applyInt(ac.VisitStoreVersion, "visitStoreVersion", 1, b.WithVisitStoreVersion),
		)
	}

	if app := r.AppConfig; app != nil {
		err = errors.Join(err,
			applyInt(app.Capture, "capture", 1, func(v int) *Builder { return b.WithCapture(v == 1) }),
			applyInt(app.ReportCrashes, "reportCrashes", 1, func(v int) *Builder { return b.WithCaptureCrashes(v != 0) }),
			applyInt(app.ReportErrors, "reportErrors", 1, func(v int) *Builder { return b.WithCaptureErrors(v != 0) }),
			applyInt(app.TrafficControlPercentage, "trafficControlPercentage", 1, b.WithTrafficControlPercentage),
		)
		if app.ApplicationID != nil {
			b.WithApplicationID(*app.ApplicationID)
		}
	}

	if dc := r.DynamicConfig; dc != nil {
		err = errors.Join(err,
			applyInt(dc.Multiplicity, "multiplicity", 1, b.WithMultiplicity),
			applyInt(dc.ServerID, "serverId", 1, b.WithServerID),
		)
		if dc.Status != nil {
			b.WithStatus(*dc.Status)
		}
	}

	if r.Timestamp != nil {
		b.WithTimestamp(*r.Timestamp)
	}

	if err != nil {
		return Attributes{}, err
	}
	return b.Build(), nil
}

// applyInt 는 값이 있으면 32bit 범위를 확인하고 factor 를 곱해 set 에 넘긴다.
func applyInt(v *int64, key string, factor int64, set func(int) *Builder) error {
	if v == nil {
		return nil
	}
	if *v > math.MaxInt32 || *v < math.MinInt32 {
		return &OverflowError{Key: key, Value: strconv.FormatInt(*v, 10)}
	}
	set(int(*v * factor))
	return nil
}
