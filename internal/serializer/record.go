// internal/serializer/record.go
package serializer

import (
	"strconv"
	"strings"

	"estat-beacon/internal/model"
)

// beacon 키. 레코드 안의 순서는 아래 선언 순서를 따른다.
const (
	KeyEventType       = "et"
	KeyName            = "na"
	KeyThreadID        = "it"
	KeyActionID        = "ca"
	KeyParentActionID  = "pa"
	KeyStartSequence   = "s0"
	KeyTimeZero        = "t0"
	KeyEndSequence     = "s1"
	KeyTimeOne         = "t1"
	KeyValue           = "vl"
	KeyErrorValue      = "ev"
	KeyErrorReason     = "rs"
	KeyErrorStackTrace = "st"
	KeyErrorTechnology = "tt"
	KeyBytesSent       = "bs"
	KeyBytesReceived   = "br"
	KeyResponseCode    = "rc"
)

// Builder
// ------------------------------------------------------------
// key=value 쌍을 '&' 로 이어 붙이는 레코드 빌더.
// 키 순서는 호출 순서 그대로이며, 문자열 값은 percent encoding 된다.
// beacon prefix 조립에도 같은 빌더를 쓴다.
type Builder struct {
	sb strings.Builder
}

func (b *Builder) key(k string) {
	if b.sb.Len() > 0 {
		b.sb.WriteByte('&')
	}
	b.sb.WriteString(k)
	b.sb.WriteByte('=')
}

func (b *Builder) Int(k string, v int) *Builder {
	b.key(k)
	b.sb.WriteString(strconv.Itoa(v))
	return b
}

func (b *Builder) Int64(k string, v int64) *Builder {
	b.key(k)
	b.sb.WriteString(strconv.FormatInt(v, 10))
	return b
}

func (b *Builder) Float(k string, v float64) *Builder {
	b.key(k)
	b.sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	return b
}

// String 은 v 를 percent encoding 해서 추가한다.
func (b *Builder) String(k, v string) *Builder {
	b.key(k)
	b.sb.WriteString(Encode(v))
	return b
}

// StringIfNotEmpty 는 v 가 비어 있으면 키 자체를 생략한다.
func (b *Builder) StringIfNotEmpty(k, v string) *Builder {
	if v == "" {
		return b
	}
	return b.String(k, v)
}

// Raw 는 인코딩 없이 그대로 추가한다 (이미 인코딩된 값, 고정 상수용).
func (b *Builder) Raw(k, v string) *Builder {
	b.key(k)
	b.sb.WriteString(v)
	return b
}

func (b *Builder) Build() string {
	return b.sb.String()
}

// ------------------------------------------------------------
// 레코드 입력 값
//
// 시간 값은 모두 호출자가 계산해서 넘긴다.
//   - Offset:   세션 시작으로부터의 경과(ms) → t0
//   - Duration: 시작부터 끝까지(ms) → t1
//
// privacy 로 가려야 하는 값(세션 번호, device id 등)도 호출자가 이미
// 처리했다고 가정한다. 이 패키지는 privacy 를 모른다.
// ------------------------------------------------------------

// Event 는 시점 하나짜리 레코드의 공통 필드.
type Event struct {
	ThreadID int
	ParentID int
	Name     string
	Sequence int
	Offset   int64
}

// Action 은 시작/끝이 있는 action 레코드.
type Action struct {
	ThreadID      int
	ID            int
	ParentID      int
	Name          string
	StartSequence int
	StartOffset   int64
	EndSequence   int
	Duration      int64
}

// WebRequest 는 web request 측정 레코드.
// BytesSent / BytesReceived 가 음수이면 생략, ResponseCode 가 -1 이면 생략.
type WebRequest struct {
	ThreadID      int
	ParentID      int
	URL           string
	StartSequence int
	StartOffset   int64
	EndSequence   int
	Duration      int64
	BytesSent     int
	BytesReceived int
	ResponseCode  int
}

func (b *Builder) event(et model.EventType, e Event) *Builder {
	b.Int(KeyEventType, int(et))
	b.StringIfNotEmpty(KeyName, Truncate(e.Name, MaxNameLength))
	b.Int(KeyThreadID, e.ThreadID)
	b.Int(KeyParentActionID, e.ParentID)
	b.Int(KeyStartSequence, e.Sequence)
	b.Int64(KeyTimeZero, e.Offset)
	return b
}

// ActionRecord 는 et=1 레코드.
func ActionRecord(a Action) string {
	var b Builder
	b.Int(KeyEventType, int(model.EventTypeAction))
	b.StringIfNotEmpty(KeyName, Truncate(a.Name, MaxNameLength))
	b.Int(KeyThreadID, a.ThreadID)
	b.Int(KeyActionID, a.ID)
	b.Int(KeyParentActionID, a.ParentID)
	b.Int(KeyStartSequence, a.StartSequence)
	b.Int64(KeyTimeZero, a.StartOffset)
	b.Int(KeyEndSequence, a.EndSequence)
	b.Int64(KeyTimeOne, a.Duration)
	return b.Build()
}

// SessionStartRecord 는 et=18 레코드. 세션 시작이므로 t0 는 항상 0.
func SessionStartRecord(threadID, sequence int) string {
	var b Builder
	b.event(model.EventTypeSessionStart, Event{ThreadID: threadID, Sequence: sequence})
	return b.Build()
}

// SessionEndRecord 는 et=19 레코드.
func SessionEndRecord(threadID, sequence int, offset int64) string {
	var b Builder
	b.event(model.EventTypeSessionEnd, Event{ThreadID: threadID, Sequence: sequence, Offset: offset})
	return b.Build()
}

// NamedEventRecord 는 et=10 레코드.
func NamedEventRecord(e Event) string {
	var b Builder
	b.event(model.EventTypeNamedEvent, e)
	return b.Build()
}

// IntValueRecord 는 et=12 레코드. int, int64 값 모두 여기로 온다.
func IntValueRecord(e Event, value int64) string {
	var b Builder
	b.event(model.EventTypeValueInt, e)
	b.Int64(KeyValue, value)
	return b.Build()
}

// DoubleValueRecord 는 et=13 레코드.
func DoubleValueRecord(e Event, value float64) string {
	var b Builder
	b.event(model.EventTypeValueDouble, e)
	b.Float(KeyValue, value)
	return b.Build()
}

// StringValueRecord 는 et=11 레코드.
// value 가 nil 이면 vl 을 생략하고, 빈 문자열이면 "vl=" 로 보낸다.
func StringValueRecord(e Event, value *string) string {
	var b Builder
	b.event(model.EventTypeValueString, e)
	if value != nil {
		b.String(KeyValue, Truncate(*value, MaxReasonLength))
	}
	return b.Build()
}

// ErrorRecord 는 에러 코드 기반 et=40 레코드.
func ErrorRecord(e Event, code int, technology string) string {
	var b Builder
	b.event(model.EventTypeError, e)
	b.Int(KeyErrorValue, code)
	b.Raw(KeyErrorTechnology, technology)
	return b.Build()
}

// ExceptionRecord 는 원인(cause) 정보가 있는 et=42 레코드.
func ExceptionRecord(e Event, causeName, reason, stackTrace, technology string) string {
	var b Builder
	b.event(model.EventTypeException, e)
	b.StringIfNotEmpty(KeyErrorValue, causeName)
	b.StringIfNotEmpty(KeyErrorReason, Truncate(reason, MaxReasonLength))
	b.StringIfNotEmpty(KeyErrorStackTrace, Truncate(stackTrace, MaxStackTraceLength))
	b.Raw(KeyErrorTechnology, technology)
	return b.Build()
}

// CrashRecord 는 et=50 레코드. crash 는 action 에 속하지 않으므로 pa=0.
func CrashRecord(e Event, reason, stackTrace, technology string) string {
	e.ParentID = 0
	var b Builder
	b.event(model.EventTypeCrash, e)
	b.StringIfNotEmpty(KeyErrorReason, Truncate(reason, MaxReasonLength))
	b.StringIfNotEmpty(KeyErrorStackTrace, Truncate(stackTrace, MaxStackTraceLength))
	b.Raw(KeyErrorTechnology, technology)
	return b.Build()
}

// IdentifyUserRecord 는 et=60 레코드. 사용자 tag 는 na 에 들어간다.
func IdentifyUserRecord(e Event) string {
	e.ParentID = 0
	var b Builder
	b.event(model.EventTypeIdentifyUser, e)
	return b.Build()
}

// WebRequestRecord 는 et=30 레코드. URL 은 na 에 들어가며 길이 제한이 없다.
func WebRequestRecord(w WebRequest) string {
	var b Builder
	b.Int(KeyEventType, int(model.EventTypeWebRequest))
	b.StringIfNotEmpty(KeyName, w.URL)
	b.Int(KeyThreadID, w.ThreadID)
	b.Int(KeyParentActionID, w.ParentID)
	b.Int(KeyStartSequence, w.StartSequence)
	b.Int64(KeyTimeZero, w.StartOffset)
	b.Int(KeyEndSequence, w.EndSequence)
	b.Int64(KeyTimeOne, w.Duration)
	if w.BytesSent >= 0 {
		b.Int(KeyBytesSent, w.BytesSent)
	}
	if w.BytesReceived >= 0 {
		b.Int(KeyBytesReceived, w.BytesReceived)
	}
	if w.ResponseCode != -1 {
		b.Int(KeyResponseCode, w.ResponseCode)
	}
	return b.Build()
}
