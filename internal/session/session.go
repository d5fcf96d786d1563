// internal/session/session.go
package session

import (
	"context"
	"sync"

	"estat-beacon/internal/beacon"
	"estat-beacon/internal/serializer"
	"estat-beacon/internal/settings"
	"estat-beacon/internal/transport"

	"github.com/rs/zerolog"
)

// State 는 Session 의 종료 진행 상태.
type State int

const (
	// StateOpen: 기록을 받는 중
	StateOpen State = iota
	// StateTriedForEnding: 종료를 시도했지만 열린 자식이 남아 있음
	StateTriedForEnding
	// StateFinished: 종료 레코드까지 기록됨
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTriedForEnding:
		return "tried_for_ending"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// new session 요청을 이 횟수만큼 실패하면 세션 capture 를 끈다.
const maxNewSessionRequests = 4

// Session
// ------------------------------------------------------------
// Beacon 하나에 대응하는 세션(분할 단위).
//
// 최상위 action 과 web request 를 자식으로 추적한다.
// 열린 자식이 남아 있으면 TryEnd 는 종료를 미루고(TriedForEnding),
// 마지막 자식이 닫힐 때 종료 레코드를 기록한다.
type Session struct {
	beacon   *beacon.Beacon
	log      zerolog.Logger
	children children

	mu                     sync.Mutex
	state                  State
	newSessionRequestsLeft int
}

// newSession 은 세션 시작 레코드를 기록한 Session 을 만든다.
func newSession(b *beacon.Beacon, log zerolog.Logger) *Session {
	s := &Session{
		beacon:                 b,
		log:                    log,
		newSessionRequestsLeft: maxNewSessionRequests,
	}
	b.StartSession()
	return s
}

func (s *Session) actionID() int { return 0 }

// Beacon 은 이 세션의 beacon.
func (s *Session) Beacon() *beacon.Beacon { return s.beacon }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsFinished() bool { return s.State() == StateFinished }

// addChild 는 Open 상태일 때만 자식을 붙인다.
func (s *Session) addChild(op string, ch func() child) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		s.log.Warn().Str("op", op).Str("state", s.state.String()).Msg("session is ending, ignored")
		return false
	}
	c := ch()
	if c == nil {
		return false
	}
	s.children.add(c)
	return true
}

func (s *Session) isOpen(op string) bool {
	if st := s.State(); st != StateOpen {
		s.log.Warn().Str("op", op).Str("state", st.String()).Msg("session is ending, ignored")
		return false
	}
	return true
}

// ------------------------------------------------------------
// 사용자 API
// ------------------------------------------------------------

// EnterAction 은 최상위 action 을 연다. 이름이 비었거나 세션이 끝나가면 비활성 action.
func (s *Session) EnterAction(name string) RootAction {
	if name == "" {
		s.log.Warn().Msg("enter action with empty name, ignored")
		return RootAction{}
	}
	var a *action
	s.addChild("enter_action", func() child {
		a = newAction(s.beacon, s.log, name, s, nil)
		return a
	})
	if a == nil {
		return RootAction{}
	}
	return RootAction{a: a}
}

// IdentifyUser 는 사용자 tag 를 기록한다. 빈 tag 는 식별 해제.
func (s *Session) IdentifyUser(userTag string) {
	if !s.isOpen("identify_user") {
		return
	}
	s.beacon.IdentifyUser(serializer.Truncate(userTag, serializer.MaxNameLength))
}

// ReportCrash 는 crash 를 기록한다. 이름이 비면 무시.
func (s *Session) ReportCrash(errorName, reason, stackTrace string) {
	if errorName == "" {
		s.log.Warn().Msg("report crash with empty name, ignored")
		return
	}
	if !s.isOpen("report_crash") {
		return
	}
	s.beacon.ReportCrash(errorName, reason, stackTrace)
}

func (s *Session) ReportEvent(name string) {
	if name == "" {
		s.log.Warn().Msg("report event with empty name, ignored")
		return
	}
	if s.isOpen("report_event") {
		s.beacon.ReportEvent(0, name)
	}
}

func (s *Session) ReportIntValue(name string, v int64) {
	if name == "" {
		s.log.Warn().Msg("report value with empty name, ignored")
		return
	}
	if s.isOpen("report_value") {
		s.beacon.ReportIntValue(0, name, v)
	}
}

func (s *Session) ReportDoubleValue(name string, v float64) {
	if name == "" {
		s.log.Warn().Msg("report value with empty name, ignored")
		return
	}
	if s.isOpen("report_value") {
		s.beacon.ReportDoubleValue(0, name, v)
	}
}

func (s *Session) ReportStringValue(name, v string) {
	if name == "" {
		s.log.Warn().Msg("report value with empty name, ignored")
		return
	}
	if s.isOpen("report_value") {
		s.beacon.ReportStringValue(0, name, &v)
	}
}

func (s *Session) ReportError(name string, code int) {
	if name == "" {
		s.log.Warn().Msg("report error with empty name, ignored")
		return
	}
	if s.isOpen("report_error") {
		s.beacon.ReportError(0, name, code)
	}
}

// TraceWebRequest 는 action 에 속하지 않은 web request 를 측정한다.
func (s *Session) TraceWebRequest(url string) WebRequestTracer {
	var t *tracer
	s.addChild("trace_web_request", func() child {
		var ok bool
		t, ok = newTracer(s.beacon, s.log, url, s)
		if !ok {
			return nil
		}
		return t
	})
	if t == nil {
		return WebRequestTracer{}
	}
	return WebRequestTracer{t: t}
}

// ------------------------------------------------------------
// 종료
// ------------------------------------------------------------

// End 는 열린 자식을 연 순서대로 강제로 닫고 종료 레코드를 기록한다.
// 두 번째 호출부터는 효과가 없다.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return
	}
	s.state = StateFinished
	s.mu.Unlock()

	s.children.closeAll(false)
	s.beacon.EndSession()
	s.log.Debug().Msg("session ended")
}

// TryEnd
//
// 열린 자식이 없으면 바로 종료하고 true.
// 남아 있으면 TriedForEnding 으로 두고 false. 마지막 자식이 닫힐 때 종료된다.
func (s *Session) TryEnd() bool {
	s.mu.Lock()
	switch {
	case s.state == StateFinished:
		s.mu.Unlock()
		return true
	case s.children.count() > 0:
		s.state = StateTriedForEnding
		s.mu.Unlock()
		return false
	}
	s.state = StateFinished
	s.mu.Unlock()

	s.beacon.EndSession()
	s.log.Debug().Msg("session ended")
	return true
}

// onChildClosed 는 자식이 닫혔을 때 불린다.
func (s *Session) onChildClosed(id int) {
	remaining := s.children.remove(id)

	s.mu.Lock()
	if s.state != StateTriedForEnding || remaining > 0 {
		s.mu.Unlock()
		return
	}
	s.state = StateFinished
	s.mu.Unlock()

	s.beacon.EndSession()
	s.log.Debug().Msg("session ended after last child closed")
}

// ------------------------------------------------------------
// sender 용
// ------------------------------------------------------------

// IsConfigured 는 서버 설정을 받았으면 true.
func (s *Session) IsConfigured() bool { return s.beacon.IsServerConfigurationSet() }

func (s *Session) IsConfiguredAndOpen() bool { return s.IsConfigured() && !s.IsFinished() }

func (s *Session) IsConfiguredAndFinished() bool { return s.IsConfigured() && s.IsFinished() }

// IsDataSendingAllowed 는 설정을 받았고 capture 가 허용될 때.
func (s *Session) IsDataSendingAllowed() bool {
	return s.IsConfigured() && s.beacon.IsDataCapturingEnabled()
}

// CanSendNewSessionRequest 는 new session 요청 기회가 남아 있으면 true.
func (s *Session) CanSendNewSessionRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSessionRequestsLeft > 0
}

func (s *Session) DecreaseNewSessionRequests() {
	s.mu.Lock()
	s.newSessionRequestsLeft--
	s.mu.Unlock()
}

func (s *Session) InitializeServerConfiguration(server *settings.Server) {
	s.beacon.InitializeServerConfiguration(server)
}

func (s *Session) UpdateServerConfiguration(server *settings.Server) {
	s.beacon.UpdateServerConfiguration(server)
}

func (s *Session) EnableCapture()  { s.beacon.EnableCapture() }
func (s *Session) DisableCapture() { s.beacon.DisableCapture() }

// ClearCapturedData 는 cache 에 남은 이 세션의 레코드를 지운다.
func (s *Session) ClearCapturedData() { s.beacon.ClearData() }

func (s *Session) IsEmpty() bool { return s.beacon.IsEmpty() }

// SendBeacon 은 세션의 server id 에 맞는 client 로 쌓인 데이터를 보낸다.
func (s *Session) SendBeacon(ctx context.Context, clients transport.ClientProvider, params *transport.AdditionalParams) *transport.StatusResponse {
	client := clients.Client(s.beacon.ServerConfiguration().ServerID)
	return s.beacon.Send(ctx, client, params)
}
