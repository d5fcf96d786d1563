// internal/settings/server.go
package settings

import "estat-beacon/internal/response"

// Server
// ------------------------------------------------------------
// 서버가 내려준 설정의 스냅샷.
//
// 절대 제자리에서 수정하지 않는다. 새 응답을 받으면 새 값을 만들어
// beacon 의 atomic 슬롯에 통째로 교체한다.
// 읽는 쪽은 항상 완성된 스냅샷만 보게 된다.
type Server struct {
	CaptureEnabled           bool
	CrashReportingEnabled    bool
	ErrorReportingEnabled    bool
	ServerID                 int
	BeaconSizeInBytes        int
	Multiplicity             int
	SendIntervalMillis       int
	MaxSessionDurationMillis int
	MaxEventsPerSession      int
	SessionTimeoutMillis     int
	VisitStoreVersion        int
	TrafficControlPercentage int
}

// DefaultServer 는 서버 응답을 받기 전의 설정.
func DefaultServer() *Server {
	return ServerFrom(response.UndefinedDefaults)
}

// ServerFrom 은 응답 속성으로부터 스냅샷을 만든다.
func ServerFrom(a response.Attributes) *Server {
	return &Server{
		CaptureEnabled:           a.IsCapture(),
		CrashReportingEnabled:    a.IsCaptureCrashes(),
		ErrorReportingEnabled:    a.IsCaptureErrors(),
		ServerID:                 a.ServerID(),
		BeaconSizeInBytes:        a.MaxBeaconSizeInBytes(),
		Multiplicity:             a.Multiplicity(),
		SendIntervalMillis:       a.SendIntervalInMillis(),
		MaxSessionDurationMillis: a.MaxSessionDurationInMillis(),
		MaxEventsPerSession:      a.MaxEventsPerSession(),
		SessionTimeoutMillis:     a.SessionTimeoutInMillis(),
		VisitStoreVersion:        a.VisitStoreVersion(),
		TrafficControlPercentage: a.TrafficControlPercentage(),
	}
}

// IsSendingDataAllowed: capture 가 켜져 있고 multiplicity > 0 일 때만.
func (s *Server) IsSendingDataAllowed() bool {
	return s.CaptureEnabled && s.Multiplicity > 0
}

func (s *Server) IsSendingCrashesAllowed() bool {
	return s.CrashReportingEnabled && s.IsSendingDataAllowed()
}

func (s *Server) IsSendingErrorsAllowed() bool {
	return s.ErrorReportingEnabled && s.IsSendingDataAllowed()
}

func (s *Server) IsSessionSplitBySessionDurationEnabled() bool {
	return s.MaxSessionDurationMillis > 0
}

func (s *Server) IsSessionSplitByEventsEnabled() bool {
	return s.MaxEventsPerSession > 0
}

func (s *Server) IsSessionSplitByIdleTimeoutEnabled() bool {
	return s.SessionTimeoutMillis > 0
}

// Merge
//
// other 의 값을 기본으로 하되 multiplicity 와 server id 는 s 의 값을 유지한
// 새 스냅샷을 반환한다.
func (s *Server) Merge(other *Server) *Server {
	merged := *other
	merged.Multiplicity = s.Multiplicity
	merged.ServerID = s.ServerID
	return &merged
}

// MergeAttributes
//
// 응답에 실제로 있었던(IsAttributeSet) 항목만 s 위에 덮어쓴 새 스냅샷을 반환한다.
// multiplicity 와 server id 는 Merge 와 마찬가지로 s 의 값을 유지한다.
func (s *Server) MergeAttributes(a response.Attributes) *Server {
	merged := *s
	if a.IsAttributeSet(response.AttrIsCapture) {
		merged.CaptureEnabled = a.IsCapture()
	}
	if a.IsAttributeSet(response.AttrIsCaptureCrashes) {
		merged.CrashReportingEnabled = a.IsCaptureCrashes()
	}
	if a.IsAttributeSet(response.AttrIsCaptureErrors) {
		merged.ErrorReportingEnabled = a.IsCaptureErrors()
	}
	if a.IsAttributeSet(response.AttrMaxBeaconSize) {
		merged.BeaconSizeInBytes = a.MaxBeaconSizeInBytes()
	}
	if a.IsAttributeSet(response.AttrSendInterval) {
		merged.SendIntervalMillis = a.SendIntervalInMillis()
	}
	if a.IsAttributeSet(response.AttrMaxSessionDuration) {
		merged.MaxSessionDurationMillis = a.MaxSessionDurationInMillis()
	}
	if a.IsAttributeSet(response.AttrMaxEventsPerSession) {
		merged.MaxEventsPerSession = a.MaxEventsPerSession()
	}
	if a.IsAttributeSet(response.AttrSessionTimeout) {
		merged.SessionTimeoutMillis = a.SessionTimeoutInMillis()
	}
	if a.IsAttributeSet(response.AttrVisitStoreVersion) {
		merged.VisitStoreVersion = a.VisitStoreVersion()
	}
	if a.IsAttributeSet(response.AttrTrafficControlPercentage) {
		merged.TrafficControlPercentage = a.TrafficControlPercentage()
	}
	return &merged
}
