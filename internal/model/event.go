// internal/model/event.go
package model

// EventType
// ------------------------------------------------------------
// beacon 레코드의 "et" 키에 들어가는 이벤트 종류 코드.
// 값 자체가 서버와의 프로토콜 계약이므로 절대 바꾸면 안 된다.
type EventType int

const (
	EventTypeAction       EventType = 1
	EventTypeNamedEvent   EventType = 10
	EventTypeValueString  EventType = 11
	EventTypeValueInt     EventType = 12
	EventTypeValueDouble  EventType = 13
	EventTypeSessionStart EventType = 18
	EventTypeSessionEnd   EventType = 19
	EventTypeWebRequest   EventType = 30
	EventTypeError        EventType = 40
	EventTypeException    EventType = 42
	EventTypeCrash        EventType = 50
	EventTypeIdentifyUser EventType = 60
)

// DataCollectionLevel
// ------------------------------------------------------------
// 사용자가 동의한 데이터 수집 수준 (beacon "dl" 키).
//   - Off:          어떤 사용자 데이터도 보내지 않음
//   - Performance:  성능 데이터만 (action, web request, error)
//   - UserBehavior: 전체 (value, event, user 식별, device id 포함)
type DataCollectionLevel int

const (
	DataCollectionOff          DataCollectionLevel = 0
	DataCollectionPerformance  DataCollectionLevel = 1
	DataCollectionUserBehavior DataCollectionLevel = 2
)

// CrashReportingLevel
// ------------------------------------------------------------
// crash 전송 동의 수준 (beacon "cl" 키).
// OptInCrashes 일 때만 crash 가 전송된다.
type CrashReportingLevel int

const (
	CrashReportingOff           CrashReportingLevel = 0
	CrashReportingOptOutCrashes CrashReportingLevel = 1
	CrashReportingOptInCrashes  CrashReportingLevel = 2
)

// ParseDataCollectionLevel 은 설정 문자열("off", "performance", "user_behavior")
// 또는 숫자 문자열을 DataCollectionLevel 로 변환한다. 모르는 값이면 기본값
// UserBehavior 와 false 를 반환한다.
func ParseDataCollectionLevel(s string) (DataCollectionLevel, bool) {
	switch s {
	case "off", "OFF", "0":
		return DataCollectionOff, true
	case "performance", "PERFORMANCE", "1":
		return DataCollectionPerformance, true
	case "user_behavior", "USER_BEHAVIOR", "2":
		return DataCollectionUserBehavior, true
	}
	return DataCollectionUserBehavior, false
}

// ParseCrashReportingLevel 은 ParseDataCollectionLevel 과 같은 규칙으로
// CrashReportingLevel 을 해석한다. 기본값은 OptInCrashes.
func ParseCrashReportingLevel(s string) (CrashReportingLevel, bool) {
	switch s {
	case "off", "OFF", "0":
		return CrashReportingOff, true
	case "opt_out_crashes", "OPT_OUT_CRASHES", "1":
		return CrashReportingOptOutCrashes, true
	case "opt_in_crashes", "OPT_IN_CRASHES", "2":
		return CrashReportingOptInCrashes, true
	}
	return CrashReportingOptInCrashes, false
}
