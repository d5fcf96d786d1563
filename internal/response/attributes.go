// internal/response/attributes.go
package response

// Attribute
// ------------------------------------------------------------
// 서버 응답에서 올 수 있는 설정 항목 하나를 가리킨다.
// Attributes.set 비트마스크의 비트 위치로도 사용된다.
type Attribute uint

const (
	AttrMaxBeaconSize Attribute = iota
	AttrMaxSessionDuration
	AttrMaxEventsPerSession
	AttrSessionTimeout
	AttrSendInterval
	AttrVisitStoreVersion
	AttrIsCapture
	AttrIsCaptureCrashes
	AttrIsCaptureErrors
	AttrTrafficControlPercentage
	AttrApplicationID
	AttrMultiplicity
	AttrServerID
	AttrStatus
	AttrTimestamp

	attrCount
)

func (a Attribute) bit() uint32 { return 1 << uint32(a) }

// Attributes
// ------------------------------------------------------------
// 서버 응답(status / new session / beacon)을 정규화한 설정 묶음.
//
// 각 항목마다 "응답에 실제로 있었는지"를 set 비트마스크로 추적한다.
// 덕분에 Merge 시 응답에 없던 항목은 기본값으로 덮어쓰지 않고
// 이전에 학습한 값을 그대로 유지할 수 있다.
//
// 값 타입이며 생성 후에는 변경하지 않는다.
// (변경이 필요하면 Builder 또는 Merge 로 새 값을 만든다)
type Attributes struct {
	maxBeaconSizeInBytes     int
	maxSessionDurationMillis int
	maxEventsPerSession      int
	sessionTimeoutMillis     int
	sendIntervalMillis       int
	visitStoreVersion        int
	isCapture                bool
	isCaptureCrashes         bool
	isCaptureErrors          bool
	trafficControlPercentage int
	applicationID            string
	multiplicity             int
	serverID                 int
	status                   string
	timestamp                int64

	set uint32
}

// ---------------------------
// 기본값 세트
// ---------------------------

// UndefinedDefaults 는 아직 서버 응답을 한 번도 받지 못했을 때의 값.
var UndefinedDefaults = Attributes{
	maxBeaconSizeInBytes:     30 * 1024,
	maxSessionDurationMillis: -1,
	maxEventsPerSession:      -1,
	sessionTimeoutMillis:     -1,
	sendIntervalMillis:       120 * 1000,
	visitStoreVersion:        1,
	isCapture:                true,
	isCaptureCrashes:         true,
	isCaptureErrors:          true,
	trafficControlPercentage: 100,
	multiplicity:             1,
	serverID:                 -1,
}

// KeyValueDefaults 는 legacy key=value 응답에서 빠진 항목의 기본값.
var KeyValueDefaults = Attributes{
	maxBeaconSizeInBytes:     30 * 1024,
	maxSessionDurationMillis: -1,
	maxEventsPerSession:      -1,
	sessionTimeoutMillis:     -1,
	sendIntervalMillis:       120 * 1000,
	visitStoreVersion:        1,
	isCapture:                true,
	isCaptureCrashes:         true,
	isCaptureErrors:          true,
	trafficControlPercentage: 100,
	multiplicity:             1,
	serverID:                 1,
}

// JSONDefaults 는 JSON 응답에서 빠진 항목의 기본값.
var JSONDefaults = Attributes{
	maxBeaconSizeInBytes:     150 * 1024,
	maxSessionDurationMillis: 360 * 60 * 1000,
	maxEventsPerSession:      200,
	sessionTimeoutMillis:     600 * 1000,
	sendIntervalMillis:       120 * 1000,
	visitStoreVersion:        1,
	isCapture:                true,
	isCaptureCrashes:         true,
	isCaptureErrors:          true,
	trafficControlPercentage: 100,
	multiplicity:             1,
	serverID:                 1,
}

func (a Attributes) MaxBeaconSizeInBytes() int { return a.maxBeaconSizeInBytes }
func (a Attributes) MaxSessionDurationInMillis() int { return a.maxSessionDurationMillis }
func (a Attributes) MaxEventsPerSession() int { return a.maxEventsPerSession }
func (a Attributes) SessionTimeoutInMillis() int { return a.sessionTimeoutMillis }
func (a Attributes) SendIntervalInMillis() int { return a.sendIntervalMillis }
func (a Attributes) VisitStoreVersion() int { return a.visitStoreVersion }
func (a Attributes) IsCapture() bool { return a.isCapture }
func (a Attributes) IsCaptureCrashes() bool { return a.isCaptureCrashes }
func (a Attributes) IsCaptureErrors() bool { return a.isCaptureErrors }
func (a Attributes) TrafficControlPercentage() int { return a.trafficControlPercentage }
func (a Attributes) ApplicationID() string { return a.applicationID }
func (a Attributes) Multiplicity() int { return a.multiplicity }
func (a Attributes) ServerID() int { return a.serverID }
func (a Attributes) Status() string { return a.status }
func (a Attributes) Timestamp() int64 { return a.timestamp }

// IsAttributeSet 은 attr 이 응답에 명시적으로 포함되어 있었는지 알려준다.
func (a Attributes) IsAttributeSet(attr Attribute) bool {
	return a.set&attr.bit() != 0
}

// Merge
//
// source 에 명시적으로 설정된 항목은 source 값으로, 나머지는 a 의 값과
// 플래그를 그대로 유지한 새 Attributes 를 반환한다.
//
//	a.Merge(unset) == a
//	a.Merge(src).X == src.X   (src.IsAttributeSet(X) 인 경우)
func (a Attributes) Merge(source Attributes) Attributes {
	out := a
	for attr := Attribute(0); attr < attrCount; attr++ {
		if !source.IsAttributeSet(attr) {
			continue
		}
		copyAttribute(&out, source, attr)
		out.set |= attr.bit()
	}
	return out
}

func copyAttribute(dst *Attributes, src Attributes, attr Attribute) {
	switch attr {
	case AttrMaxBeaconSize:
		dst.maxBeaconSizeInBytes = src.maxBeaconSizeInBytes
	case AttrMaxSessionDuration:
		dst.maxSessionDurationMillis = src.maxSessionDurationMillis
	case AttrMaxEventsPerSession:
		dst.maxEventsPerSession = src.maxEventsPerSession
	case AttrSessionTimeout:
		dst.sessionTimeoutMillis = src.sessionTimeoutMillis
	case AttrSendInterval:
		dst.sendIntervalMillis = src.sendIntervalMillis
	case AttrVisitStoreVersion:
		dst.visitStoreVersion = src.visitStoreVersion
	case AttrIsCapture:
		dst.isCapture = src.isCapture
	case AttrIsCaptureCrashes:
		dst.isCaptureCrashes = src.isCaptureCrashes
	case AttrIsCaptureErrors:
		dst.isCaptureErrors = src.isCaptureErrors
	case AttrTrafficControlPercentage:
		dst.trafficControlPercentage = src.trafficControlPercentage
	case AttrApplicationID:
		dst.applicationID = src.applicationID
	case AttrMultiplicity:
		dst.multiplicity = src.multiplicity
	case AttrServerID:
		dst.serverID = src.serverID
	case AttrStatus:
		dst.status = src.status
	case AttrTimestamp:
		dst.timestamp = src.timestamp
	}
}

// Builder
// ------------------------------------------------------------
// 기본값 세트에서 출발해 항목을 하나씩 채우는 빌더.
// With* 호출마다 해당 항목의 set 비트가 켜진다.
type Builder struct {
	attrs Attributes
}

// NewBuilder 는 defaults 의 값(플래그는 모두 해제)으로 시작하는 빌더를 만든다.
func NewBuilder(defaults Attributes) *Builder {
	defaults.set = 0
	return &Builder{attrs: defaults}
}

func (b *Builder) mark(attr Attribute) *Builder {
	b.attrs.set |= attr.bit()
	return b
}

func (b *Builder) WithMaxBeaconSizeInBytes(v int) *Builder {
	b.attrs.maxBeaconSizeInBytes = v
	return b.mark(AttrMaxBeaconSize)
}

func (b *Builder) WithMaxSessionDurationInMillis(v int) *Builder {
	b.attrs.maxSessionDurationMillis = v
	return b.mark(AttrMaxSessionDuration)
}

func (b *Builder) WithMaxEventsPerSession(v int) *Builder {
	b.attrs.maxEventsPerSession = v
	return b.mark(AttrMaxEventsPerSession)
}

func (b *Builder) WithSessionTimeoutInMillis(v int) *Builder {
	b.attrs.sessionTimeoutMillis = v
	return b.mark(AttrSessionTimeout)
}

func (b *Builder) WithSendIntervalInMillis(v int) *Builder {
	b.attrs.sendIntervalMillis = v
	return b.mark(AttrSendInterval)
}

func (b *Builder) WithVisitStoreVersion(v int) *Builder {
	b.attrs.visitStoreVersion = v
	return b.mark(AttrVisitStoreVersion)
}

func (b *Builder) WithCapture(v bool) *Builder {
	b.attrs.isCapture = v
	return b.mark(AttrIsCapture)
}

func (b *Builder) WithCaptureCrashes(v bool) *Builder {
	b.attrs.isCaptureCrashes = v
	return b.mark(AttrIsCaptureCrashes)
}

func (b *Builder) WithCaptureErrors(v bool) *Builder {
	b.attrs.isCaptureErrors = v
	return b.mark(AttrIsCaptureErrors)
}

func (b *Builder) WithTrafficControlPercentage(v int) *Builder {
	b.attrs.trafficControlPercentage = v
	return b.mark(AttrTrafficControlPercentage)
}

func (b *Builder) WithApplicationID(v string) *Builder {
	b.attrs.applicationID = v
	return b.mark(AttrApplicationID)
}

func (b *Builder) WithMultiplicity(v int) *Builder {
	b.attrs.multiplicity = v
	return b.mark(AttrMultiplicity)
}

func (b *Builder) WithServerID(v int) *Builder {
	b.attrs.serverID = v
	return b.mark(AttrServerID)
}

func (b *Builder) WithStatus(v string) *Builder {
	b.attrs.status = v
	return b.mark(AttrStatus)
}

func (b *Builder) WithTimestamp(v int64) *Builder {
	b.attrs.timestamp = v
	return b.mark(AttrTimestamp)
}

// Build 는 현재까지 채운 값을 복사해 반환한다.
func (b *Builder) Build() Attributes {
	return b.attrs
}
