// internal/beacon/beacon.go
package beacon

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"estat-beacon/internal/cache"
	"estat-beacon/internal/metrics"
	"estat-beacon/internal/provider"
	"estat-beacon/internal/response"
	"estat-beacon/internal/serializer"
	"estat-beacon/internal/settings"
	"estat-beacon/internal/transport"

	"github.com/rs/zerolog"
)

const (
	// chunk 한 개에서 prefix 를 위해 남겨두는 여유 바이트
	reservedPrefixBytes = 1024
	recordDelimiter     = '&'
	tagPrefix           = "MT"
)

// 생성 시점 검증 에러
var (
	ErrNilCache    = errors.New("beacon: event cache is required")
	ErrNilTiming   = errors.New("beacon: timing provider is required")
	ErrNilThreadID = errors.New("beacon: thread id provider is required")
	ErrNilRandom   = errors.New("beacon: random provider is required")
)

// Params 는 Beacon 생성 값.
type Params struct {
	OpenKit settings.OpenKit
	Privacy settings.Privacy

	// Server 는 초기 서버 설정.
	// nil 이면 settings.DefaultServer() 에 OpenKit.DefaultServerID 를 적용한 값.
	Server *settings.Server

	SessionNumber   int
	SessionSequence int
	ClientIP        string

	Cache    *cache.EventCache
	Timing   provider.Timing
	ThreadID provider.ThreadID
	Random   provider.Random
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

// configSnapshot 은 atomic 슬롯에 들어가는 불변 값.
// 절대 수정하지 않고 새 값으로 교체한다.
type configSnapshot struct {
	server *settings.Server
	// isSet: new session 요청 응답 등으로 서버 설정을 한 번이라도 받았는지
	isSet bool
}

// ServerConfigUpdateFunc 는 서버 설정이 바뀔 때 불린다 (세션 분할 판단용).
type ServerConfigUpdateFunc func(server *settings.Server)

// Beacon
// ------------------------------------------------------------
// 세션 하나(분할 단위)의 기록/전송 façade.
//
//   - Add* / Report*: gating(capture, multiplicity, traffic control, privacy)
//     통과 시 직렬화해서 EventCache 에 기록. 실패 시 조용히 버린다.
//   - Send: cache 의 레코드를 chunk 단위로 꺼내 전송.
//
// 서버 설정은 atomic.Pointer 슬롯에 두고 응답마다 통째로 교체한다.
// Send 는 세션별로 한 goroutine 에서만 호출된다고 가정한다.
type Beacon struct {
	openKit settings.OpenKit
	privacy settings.Privacy

	config atomic.Pointer[configSnapshot]

	cache    *cache.EventCache
	key      cache.Key
	timing   provider.Timing
	threadID provider.ThreadID
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// wire 에 나가는 값 (privacy 적용 후)
	deviceID      int64
	sessionNumber int

	sessionSequence     int
	sessionStartTime    int64
	clientIP            string
	trafficControlValue int

	nextID       atomic.Int32
	nextSequence atomic.Int32

	onConfigUpdate atomic.Pointer[ServerConfigUpdateFunc]
}

// New 는 Beacon 을 만든다. 필수 collaborator 가 빠지면 에러.
func New(p Params) (*Beacon, error) {
	switch {
	case p.Cache == nil:
		return nil, ErrNilCache
	case p.Timing == nil:
		return nil, ErrNilTiming
	case p.ThreadID == nil:
		return nil, ErrNilThreadID
	case p.Random == nil:
		return nil, ErrNilRandom
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}

	server := p.Server
	if server == nil {
		server = settings.DefaultServer()
		if p.OpenKit.DefaultServerID > 0 {
			server.ServerID = p.OpenKit.DefaultServerID
		}
	}

	b := &Beacon{
		openKit:  p.OpenKit,
		privacy:  p.Privacy,
		cache:    p.Cache,
		timing:   p.Timing,
		threadID: p.ThreadID,
		metrics:  p.Metrics,
		key: cache.Key{
			BeaconID:       p.SessionNumber,
			SequenceNumber: p.SessionSequence,
		},
		sessionSequence:     p.SessionSequence,
		sessionStartTime:    p.Timing.NowMillis(),
		trafficControlValue: p.Random.NextPercentageValue(),
	}
	b.log = p.Log.With().
		Int("session_number", p.SessionNumber).
		Int("session_sequence", p.SessionSequence).
		Logger()

	// device id: privacy 가 막으면 세션 동안 고정된 랜덤 값
	if p.Privacy.IsDeviceIDSendingAllowed() {
		b.deviceID = p.OpenKit.DeviceID
	} else {
		b.deviceID = p.Random.NextPositiveInt64()
	}

	// session number: privacy 가 막으면 wire 에는 1 (cache key 는 실제 번호)
	if p.Privacy.IsSessionNumberReportingAllowed() {
		b.sessionNumber = p.SessionNumber
	} else {
		b.sessionNumber = 1
	}

	if p.ClientIP != "" {
		if ip, ok := NormalizeClientIP(p.ClientIP); ok {
			b.clientIP = ip
		} else {
			b.log.Warn().Str("client_ip", p.ClientIP).Msg("invalid client ip, ignored")
		}
	}

	b.config.Store(&configSnapshot{server: server})

	return b, nil
}

// ------------------------------------------------------------
// 식별자 / 시간
// ------------------------------------------------------------

// NextID 는 action / web request id 를 발급한다 (1부터).
func (b *Beacon) NextID() int {
	return int(b.nextID.Add(1))
}

// NextSequenceNumber 는 레코드 순번을 발급한다 (1부터).
func (b *Beacon) NextSequenceNumber() int {
	return int(b.nextSequence.Add(1))
}

func (b *Beacon) CurrentTimestamp() int64 { return b.timing.NowMillis() }
func (b *Beacon) SessionStartTime() int64 { return b.sessionStartTime }
func (b *Beacon) SessionNumber() int { return b.sessionNumber }
func (b *Beacon) SessionSequenceNumber() int { return b.sessionSequence }
func (b *Beacon) DeviceID() int64 { return b.deviceID }
func (b *Beacon) ClientIP() string { return b.clientIP }
func (b *Beacon) Key() cache.Key { return b.key }
func (b *Beacon) Privacy() settings.Privacy { return b.privacy }

func (b *Beacon) timeSinceSessionStart(ts int64) int64 {
	return ts - b.sessionStartTime
}

// ------------------------------------------------------------
// 서버 설정 슬롯
// ------------------------------------------------------------

// ServerConfiguration 은 현재 스냅샷. 호출자는 수정하면 안 된다.
func (b *Beacon) ServerConfiguration() *settings.Server {
	return b.config.Load().server
}

// IsServerConfigurationSet 은 서버 설정을 한 번이라도 받았으면 true.
func (b *Beacon) IsServerConfigurationSet() bool {
	return b.config.Load().isSet
}

// SetServerConfigUpdateCallback 은 설정 교체 알림을 등록한다.
func (b *Beacon) SetServerConfigUpdateCallback(fn ServerConfigUpdateFunc) {
	if fn == nil {
		b.onConfigUpdate.Store(nil)
		return
	}
	b.onConfigUpdate.Store(&fn)
}

// InitializeServerConfiguration 은 new session 응답 등으로 받은 설정을
// 그대로 적용한다 (multiplicity 포함). 이미 설정된 경우는 무시한다.
func (b *Beacon) InitializeServerConfiguration(server *settings.Server) {
	if server == nil {
		return
	}
	for {
		old := b.config.Load()
		if old.isSet {
			return
		}
		next := &configSnapshot{server: server, isSet: true}
		if b.config.CompareAndSwap(old, next) {
			b.notifyConfigUpdate(server)
			return
		}
	}
}

// UpdateServerConfiguration 은 새 설정을 반영한다.
// 처음이면 그대로, 아니면 기존 multiplicity / server id 를 유지한 채 합친다.
func (b *Beacon) UpdateServerConfiguration(server *settings.Server) {
	if server == nil {
		return
	}
	var applied *settings.Server
	for {
		old := b.config.Load()
		applied = server
		if old.isSet {
			applied = old.server.Merge(server)
		}
		next := &configSnapshot{server: applied, isSet: true}
		if b.config.CompareAndSwap(old, next) {
			break
		}
	}
	b.notifyConfigUpdate(applied)
}

// mergeResponse 는 beacon 응답에 실제로 있던 항목만 서버 설정에 반영한다.
// 응답에 없던 항목은 이전 값을 유지한다.
func (b *Beacon) mergeResponse(attrs response.Attributes) {
	var applied *settings.Server
	for {
		old := b.config.Load()
		if old.isSet {
			applied = old.server.MergeAttributes(attrs)
		} else {
			applied = settings.ServerFrom(response.UndefinedDefaults.Merge(attrs))
		}
		next := &configSnapshot{server: applied, isSet: true}
		if b.config.CompareAndSwap(old, next) {
			break
		}
	}
	b.notifyConfigUpdate(applied)
}

// EnableCapture / DisableCapture 는 capture 플래그만 바꾼 새 스냅샷으로 교체한다.
func (b *Beacon) EnableCapture()  { b.setCapture(true) }
func (b *Beacon) DisableCapture() { b.setCapture(false) }

func (b *Beacon) setCapture(enabled bool) {
	for {
		old := b.config.Load()
		if old.server.CaptureEnabled == enabled {
			return
		}
		server := *old.server
		server.CaptureEnabled = enabled
		next := &configSnapshot{server: &server, isSet: old.isSet}
		if b.config.CompareAndSwap(old, next) {
			return
		}
	}
}

func (b *Beacon) notifyConfigUpdate(server *settings.Server) {
	if fn := b.onConfigUpdate.Load(); fn != nil {
		(*fn)(server)
	}
}

// ------------------------------------------------------------
// gating
// ------------------------------------------------------------

// IsDataCapturingEnabled 는 capture + multiplicity + traffic control 을 모두 통과할 때.
func (b *Beacon) IsDataCapturingEnabled() bool {
	server := b.ServerConfiguration()
	return server.IsSendingDataAllowed() && b.trafficControlValue < server.TrafficControlPercentage
}

func (b *Beacon) IsErrorCapturingEnabled() bool {
	server := b.ServerConfiguration()
	return server.IsSendingErrorsAllowed() && b.trafficControlValue < server.TrafficControlPercentage
}

func (b *Beacon) IsCrashCapturingEnabled() bool {
	server := b.ServerConfiguration()
	return server.IsSendingCrashesAllowed() && b.trafficControlValue < server.TrafficControlPercentage
}

func (b *Beacon) dropped(what string) {
	atomic.AddInt64(&b.metrics.RecordsDroppedTotal, 1)
	if e := b.log.Debug(); e.Enabled() {
		e.Str("record", what).Msg("record dropped by configuration")
	}
}

// ------------------------------------------------------------
// 기록 API
// ------------------------------------------------------------

// ActionData 는 끝난 action 하나. 시간은 epoch ms 절대값.
type ActionData struct {
	ID            int
	ParentID      int
	Name          string
	StartSequence int
	StartTime     int64
	EndSequence   int
	EndTime       int64
}

// AddAction 은 끝난 action 을 기록한다.
func (b *Beacon) AddAction(a ActionData) {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsActionReportingAllowed() {
		b.dropped("action")
		return
	}

	data := serializer.ActionRecord(serializer.Action{
		ThreadID:      b.threadID.ThreadID(),
		ID:            a.ID,
		ParentID:      a.ParentID,
		Name:          a.Name,
		StartSequence: a.StartSequence,
		StartOffset:   b.timeSinceSessionStart(a.StartTime),
		EndSequence:   a.EndSequence,
		Duration:      a.EndTime - a.StartTime,
	})
	b.cache.AddActionData(b.key, a.StartTime, data)
}

// StartSession 은 세션 시작 레코드를 기록한다.
// privacy 설정과 무관하게 기록된다 (capture gating 만 적용).
func (b *Beacon) StartSession() {
	if !b.IsDataCapturingEnabled() {
		b.dropped("session_start")
		return
	}
	data := serializer.SessionStartRecord(b.threadID.ThreadID(), b.NextSequenceNumber())
	b.cache.AddEventData(b.key, b.sessionStartTime, data)
}

// EndSession 은 세션 종료 레코드를 기록한다.
func (b *Beacon) EndSession() {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsSessionReportingAllowed() {
		b.dropped("session_end")
		return
	}
	now := b.timing.NowMillis()
	data := serializer.SessionEndRecord(b.threadID.ThreadID(), b.NextSequenceNumber(), b.timeSinceSessionStart(now))
	b.cache.AddEventData(b.key, now, data)
}

func (b *Beacon) event(parentID int, name string, now int64) serializer.Event {
	return serializer.Event{
		ThreadID: b.threadID.ThreadID(),
		ParentID: parentID,
		Name:     name,
		Sequence: b.NextSequenceNumber(),
		Offset:   b.timeSinceSessionStart(now),
	}
}

// ReportIntValue 는 et=12 (int, int64 공용).
func (b *Beacon) ReportIntValue(parentID int, name string, value int64) {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsValueReportingAllowed() {
		b.dropped("value")
		return
	}
	now := b.timing.NowMillis()
	b.cache.AddEventData(b.key, now, serializer.IntValueRecord(b.event(parentID, name, now), value))
}

// ReportDoubleValue 는 et=13.
func (b *Beacon) ReportDoubleValue(parentID int, name string, value float64) {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsValueReportingAllowed() {
		b.dropped("value")
		return
	}
	now := b.timing.NowMillis()
	b.cache.AddEventData(b.key, now, serializer.DoubleValueRecord(b.event(parentID, name, now), value))
}

// ReportStringValue 는 et=11. value 가 nil 이면 vl 이 생략된다.
func (b *Beacon) ReportStringValue(parentID int, name string, value *string) {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsValueReportingAllowed() {
		b.dropped("value")
		return
	}
	now := b.timing.NowMillis()
	b.cache.AddEventData(b.key, now, serializer.StringValueRecord(b.event(parentID, name, now), value))
}

// ReportEvent 는 et=10.
func (b *Beacon) ReportEvent(parentID int, name string) {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsEventReportingAllowed() {
		b.dropped("event")
		return
	}
	now := b.timing.NowMillis()
	b.cache.AddEventData(b.key, now, serializer.NamedEventRecord(b.event(parentID, name, now)))
}

// ReportError 는 에러 코드 기반 et=40.
func (b *Beacon) ReportError(parentID int, name string, code int) {
	if !b.IsErrorCapturingEnabled() || !b.privacy.IsErrorReportingAllowed() {
		b.dropped("error")
		return
	}
	now := b.timing.NowMillis()
	data := serializer.ErrorRecord(b.event(parentID, name, now), code, settings.ErrorTechnologyType)
	b.cache.AddEventData(b.key, now, data)
}

// ReportErrorCause 는 원인 정보가 있는 et=42.
func (b *Beacon) ReportErrorCause(parentID int, name, causeName, reason, stackTrace string) {
	if !b.IsErrorCapturingEnabled() || !b.privacy.IsErrorReportingAllowed() {
		b.dropped("error")
		return
	}
	now := b.timing.NowMillis()
	data := serializer.ExceptionRecord(b.event(parentID, name, now), causeName, reason, stackTrace, settings.ErrorTechnologyType)
	b.cache.AddEventData(b.key, now, data)
}

// ReportCrash 는 et=50.
func (b *Beacon) ReportCrash(name, reason, stackTrace string) {
	if !b.IsCrashCapturingEnabled() || !b.privacy.IsCrashReportingAllowed() {
		b.dropped("crash")
		return
	}
	now := b.timing.NowMillis()
	data := serializer.CrashRecord(b.event(0, name, now), reason, stackTrace, settings.ErrorTechnologyType)
	b.cache.AddEventData(b.key, now, data)
}

// IdentifyUser 는 et=60. 빈 tag 는 "식별 해제"로 그대로 보낸다.
func (b *Beacon) IdentifyUser(userTag string) {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsUserIdentificationAllowed() {
		b.dropped("identify_user")
		return
	}
	now := b.timing.NowMillis()
	b.cache.AddEventData(b.key, now, serializer.IdentifyUserRecord(b.event(0, userTag, now)))
}

// WebRequestData 는 끝난 web request 측정 하나.
type WebRequestData struct {
	ParentID      int
	URL           string
	StartSequence int
	StartTime     int64
	EndSequence   int
	EndTime       int64
	BytesSent     int
	BytesReceived int
	ResponseCode  int
}

// AddWebRequest 는 et=30.
func (b *Beacon) AddWebRequest(w WebRequestData) {
	if !b.IsDataCapturingEnabled() || !b.privacy.IsWebRequestTracingAllowed() {
		b.dropped("web_request")
		return
	}
	data := serializer.WebRequestRecord(serializer.WebRequest{
		ThreadID:      b.threadID.ThreadID(),
		ParentID:      w.ParentID,
		URL:           w.URL,
		StartSequence: w.StartSequence,
		StartOffset:   b.timeSinceSessionStart(w.StartTime),
		EndSequence:   w.EndSequence,
		Duration:      w.EndTime - w.StartTime,
		BytesSent:     w.BytesSent,
		BytesReceived: w.BytesReceived,
		ResponseCode:  w.ResponseCode,
	})
	b.cache.AddEventData(b.key, w.StartTime, data)
}

// ------------------------------------------------------------
// tag
// ------------------------------------------------------------

// CreateTag
//
// 나가는 web request 에 붙이는 추적 tag.
//
//	MT_<pv>_<serverId>_<deviceId>_<sessionNumber>[-<seq>]_<appId>_<actionId>_<threadId>_<seqNo>
//
// web request tracing 이 privacy 로 막혀 있으면 "" 를 반환한다.
func (b *Beacon) CreateTag(actionID, sequenceNo int) string {
	if !b.privacy.IsWebRequestTracingAllowed() {
		return ""
	}
	server := b.ServerConfiguration()

	var sb strings.Builder
	sb.Grow(96)
	sb.WriteString(tagPrefix)
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(settings.ProtocolVersion))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(server.ServerID))
	sb.WriteByte('_')
	sb.WriteString(strconv.FormatInt(b.deviceID, 10))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(b.sessionNumber))
	if server.VisitStoreVersion > 1 {
		sb.WriteByte('-')
		sb.WriteString(strconv.Itoa(b.sessionSequence))
	}
	sb.WriteByte('_')
	sb.WriteString(serializer.Encode(b.openKit.ApplicationID))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(actionID))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(b.threadID.ThreadID()))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(sequenceNo))
	return sb.String()
}

// ------------------------------------------------------------
// 전송
// ------------------------------------------------------------

// 전송 prefix 키
const (
	keyProtocolVersion     = "vv"
	keyOpenKitVersion      = "va"
	keyApplicationID       = "ap"
	keyApplicationName     = "an"
	keyApplicationVersion  = "vn"
	keyPlatformType        = "pt"
	keyAgentTechnology     = "tt"
	keyVisitorID           = "vi"
	keySessionNumber       = "sn"
	keyClientIP            = "ip"
	keyDeviceOS            = "os"
	keyDeviceManufacturer  = "mf"
	keyDeviceModel         = "md"
	keyDataCollectionLevel = "dl"
	keyCrashReportingLevel = "cl"
	keyTransmissionTime    = "tx"
	keySessionStartTime    = "tv"
	keyMultiplicity        = "mp"
	keyVisitStoreVersion   = "vs"
	keySessionSequence     = "ss"
)

// Prefix 는 chunk 앞에 붙는 세션 정보. tx 가 매번 바뀌므로 chunk 마다 새로 만든다.
func (b *Beacon) Prefix() string {
	server := b.ServerConfiguration()

	var pb serializer.Builder
	pb.Int(keyProtocolVersion, settings.ProtocolVersion)
	pb.String(keyOpenKitVersion, settings.OpenKitVersion)
	pb.String(keyApplicationID, b.openKit.ApplicationID)
	pb.StringIfNotEmpty(keyApplicationName, b.openKit.ApplicationName)
	pb.StringIfNotEmpty(keyApplicationVersion, b.openKit.ApplicationVersion)
	pb.Int(keyPlatformType, settings.PlatformTypeOpenKit)
	pb.Raw(keyAgentTechnology, settings.AgentTechnologyType)
	pb.Int64(keyVisitorID, b.deviceID)
	pb.Int(keySessionNumber, b.sessionNumber)
	pb.StringIfNotEmpty(keyClientIP, b.clientIP)
	pb.StringIfNotEmpty(keyDeviceOS, b.openKit.OperatingSystem)
	pb.StringIfNotEmpty(keyDeviceManufacturer, b.openKit.Manufacturer)
	pb.StringIfNotEmpty(keyDeviceModel, b.openKit.ModelID)
	pb.Int(keyDataCollectionLevel, int(b.privacy.DataCollectionLevel))
	pb.Int(keyCrashReportingLevel, int(b.privacy.CrashReportingLevel))
	pb.Int64(keyTransmissionTime, b.timing.NowMillis())
	pb.Int64(keySessionStartTime, b.sessionStartTime)
	pb.Int(keyMultiplicity, server.Multiplicity)
	if server.VisitStoreVersion > 1 {
		pb.Int(keyVisitStoreVersion, server.VisitStoreVersion)
		pb.Int(keySessionSequence, b.sessionSequence)
	}
	return pb.Build()
}

// Send
//
// cache 에 쌓인 레코드를 chunk 단위로 전송한다.
//  1. chunk = prefix + '&' + 레코드들 (beacon size - 1024 이내)
//  2. POST
//  3. 실패(nil / 400 이상): chunk 를 cache 로 되돌리고 중단
//  4. 성공: chunk 삭제, 응답 속성을 서버 설정에 합침
//
// 보낼 것이 없었으면 nil 을 반환한다. 그 외에는 마지막 응답.
func (b *Beacon) Send(ctx context.Context, client transport.Client, params *transport.AdditionalParams) *transport.StatusResponse {
	var resp *transport.StatusResponse

	for {
		// 서버가 1024 보다 작은 크기를 주면 chunk 당 레코드 1건씩 보낸다
		maxSize := max(b.ServerConfiguration().BeaconSizeInBytes-reservedPrefixBytes, 0)
		chunk := b.cache.GetNextBeaconChunk(b.key, b.Prefix(), maxSize, recordDelimiter)
		if chunk == "" {
			return resp
		}

		resp = client.SendBeaconRequest(ctx, b.clientIP, []byte(chunk), params)
		if resp == nil || resp.IsErroneous() {
			b.cache.ResetChunkedData(b.key)
			atomic.AddInt64(&b.metrics.BeaconChunksRequeuedTotal, 1)
			code := -1
			if resp != nil {
				code = resp.ResponseCode
			}
			b.log.Warn().Int("response_code", code).Msg("beacon send failed, data kept for retry")
			return resp
		}

		b.cache.RemoveChunkedData(b.key)
		atomic.AddInt64(&b.metrics.BeaconChunksSentTotal, 1)
		b.mergeResponse(resp.Attributes)
	}
}

// ClearData 는 이 beacon 의 cache 레코드를 모두 지운다.
func (b *Beacon) ClearData() {
	b.cache.DeleteCacheEntry(b.key)
}

// IsEmpty 는 보낼 레코드가 없을 때 true.
func (b *Beacon) IsEmpty() bool {
	return b.cache.IsEmpty(b.key)
}
