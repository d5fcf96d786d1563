// internal/session/proxy.go
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"estat-beacon/internal/metrics"
	"estat-beacon/internal/provider"
	"estat-beacon/internal/settings"

	"github.com/rs/zerolog"
)

var ErrNilCreator = errors.New("session: creator is required")

// Watchdog 은 분할로 밀려난 세션의 종료와 시간 기준 분할을 맡는다.
type Watchdog interface {
	// CloseOrEnqueueForClosing 은 s.TryEnd() 가 실패하면 grace period 뒤 강제 종료한다.
	CloseOrEnqueueForClosing(s *Session, gracePeriodMillis int64)
	AddToSplitByTimeout(p *SessionProxy)
	RemoveFromSplitByTimeout(p *SessionProxy)
}

// split 사유 (로그 / metrics)
const (
	splitByEvents = "events"
	splitByTime   = "time"
	splitByCrash  = "crash"
)

// SessionProxy
// ------------------------------------------------------------
// 사용자가 보는 논리 세션.
//
// 실제 기록은 "현재" Session 으로 넘기고, 다음 경우 새 Session 으로 갈아탄다.
//   - 최상위 action 수가 서버의 MaxEventsPerSession 에 도달 (events)
//   - idle timeout 또는 최대 세션 길이 경과, Watchdog 이 SplitByTime 호출 (time)
//   - crash 보고 직후 (crash)
//
// 새 Session 은 같은 세션 번호에 sequence 만 하나 늘어나며,
// 마지막으로 식별한 사용자 tag 를 다시 기록한다.
type SessionProxy struct {
	creator  Creator
	watchdog Watchdog
	timing   provider.Timing
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// 첫 세션이 받은 서버 설정. 이후 갱신은 Merge 로 합친다.
	serverConfig atomic.Pointer[settings.Server]

	mu                  sync.Mutex
	current             *Session
	topLevelActionCount int
	lastInteraction     int64
	lastUserTag         string
	hasUserTag          bool
	finished            bool
}

// NewSessionProxy 는 첫 Session 을 만들어 연다.
// watchdog 이 nil 이면 분할된 세션은 바로 End 되고 시간 기준 분할은 없다.
func NewSessionProxy(creator Creator, watchdog Watchdog, timing provider.Timing, m *metrics.Metrics, log zerolog.Logger) (*SessionProxy, error) {
	if creator == nil {
		return nil, ErrNilCreator
	}
	if timing == nil {
		timing = provider.SystemTiming{}
	}
	if m == nil {
		m = metrics.New()
	}

	p := &SessionProxy{
		creator:  creator,
		watchdog: watchdog,
		timing:   timing,
		metrics:  m,
		log:      log,
	}

	s, err := creator.CreateSession()
	if err != nil {
		return nil, err
	}
	s.Beacon().SetServerConfigUpdateCallback(p.onServerConfigurationUpdate)
	p.current = s
	p.lastInteraction = s.Beacon().SessionStartTime()
	return p, nil
}

// Current 는 지금 기록을 받는 Session.
func (p *SessionProxy) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *SessionProxy) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// ServerConfiguration 은 proxy 가 알고 있는 서버 설정. 아직 없으면 nil.
func (p *SessionProxy) ServerConfiguration() *settings.Server {
	return p.serverConfig.Load()
}

// ------------------------------------------------------------
// 사용자 API
// ------------------------------------------------------------

// EnterAction 은 최상위 action 을 연다. 필요하면 먼저 events 기준으로 분할한다.
func (p *SessionProxy) EnterAction(name string) RootAction {
	if name == "" {
		p.log.Warn().Msg("enter action with empty name, ignored")
		return RootAction{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return RootAction{}
	}

	s := p.currentForEventsLocked()
	p.topLevelActionCount++
	p.lastInteraction = p.timing.NowMillis()
	return s.EnterAction(name)
}

// IdentifyUser 는 사용자 tag 를 기록하고 분할 후에도 다시 쓰도록 기억한다.
func (p *SessionProxy) IdentifyUser(userTag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}

	p.currentForEventsLocked().IdentifyUser(userTag)
	p.lastInteraction = p.timing.NowMillis()
	p.lastUserTag = userTag
	p.hasUserTag = userTag != ""
}

// ReportCrash 는 crash 를 기록한 뒤 현재 세션을 끝내고 새 세션을 연다.
func (p *SessionProxy) ReportCrash(errorName, reason, stackTrace string) {
	if errorName == "" {
		p.log.Warn().Msg("report crash with empty name, ignored")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}

	p.currentForEventsLocked().ReportCrash(errorName, reason, stackTrace)
	p.lastInteraction = p.timing.NowMillis()
	p.splitLocked(splitByCrash)
}

func (p *SessionProxy) ReportEvent(name string) {
	p.withCurrent(func(s *Session) { s.ReportEvent(name) })
}

func (p *SessionProxy) ReportIntValue(name string, v int64) {
	p.withCurrent(func(s *Session) { s.ReportIntValue(name, v) })
}

func (p *SessionProxy) ReportDoubleValue(name string, v float64) {
	p.withCurrent(func(s *Session) { s.ReportDoubleValue(name, v) })
}

func (p *SessionProxy) ReportStringValue(name, v string) {
	p.withCurrent(func(s *Session) { s.ReportStringValue(name, v) })
}

func (p *SessionProxy) ReportError(name string, code int) {
	p.withCurrent(func(s *Session) { s.ReportError(name, code) })
}

// TraceWebRequest 는 action 에 속하지 않은 web request 를 측정한다.
func (p *SessionProxy) TraceWebRequest(url string) WebRequestTracer {
	var t WebRequestTracer
	p.withCurrent(func(s *Session) { t = s.TraceWebRequest(url) })
	return t
}

// withCurrent 는 최상위 이벤트 공통 경로: 분할 확인, 기록, 마지막 상호작용 갱신.
func (p *SessionProxy) withCurrent(fn func(s *Session)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	fn(p.currentForEventsLocked())
	p.lastInteraction = p.timing.NowMillis()
}

// End 는 현재 세션을 끝낸다. 이후 호출은 모두 무시된다.
func (p *SessionProxy) End() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	s := p.current
	p.mu.Unlock()

	s.End()
	if p.watchdog != nil {
		p.watchdog.RemoveFromSplitByTimeout(p)
	}
}

// ------------------------------------------------------------
// 분할
// ------------------------------------------------------------

// currentForEventsLocked 는 최상위 action 수가 한도에 도달했으면 분할한 뒤
// 현재 세션을 반환한다.
func (p *SessionProxy) currentForEventsLocked() *Session {
	cfg := p.serverConfig.Load()
	if cfg != nil && cfg.IsSessionSplitByEventsEnabled() && cfg.MaxEventsPerSession <= p.topLevelActionCount {
		p.splitLocked(splitByEvents)
	}
	return p.current
}

// SplitByTime
//
// idle timeout 또는 최대 세션 길이가 지났으면 분할한다.
// 다음 분할 예정 시각(epoch ms)을 반환하고, 시간 기준 분할이 없으면 -1.
func (p *SessionProxy) SplitByTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return -1
	}

	next := p.nextSplitTimeLocked()
	if next < 0 || p.timing.NowMillis() < next {
		return next
	}
	p.splitLocked(splitByTime)
	return p.nextSplitTimeLocked()
}

func (p *SessionProxy) nextSplitTimeLocked() int64 {
	cfg := p.serverConfig.Load()
	if cfg == nil {
		return -1
	}

	byIdle := cfg.IsSessionSplitByIdleTimeoutEnabled()
	byDuration := cfg.IsSessionSplitBySessionDurationEnabled()
	idleEnd := p.lastInteraction + int64(cfg.SessionTimeoutMillis)
	durationEnd := p.current.Beacon().SessionStartTime() + int64(cfg.MaxSessionDurationMillis)

	switch {
	case byIdle && byDuration:
		return min(idleEnd, durationEnd)
	case byIdle:
		return idleEnd
	case byDuration:
		return durationEnd
	}
	return -1
}

// splitLocked
//
// 새 Session 으로 갈아탄다.
//  1. creator 로 새 세션 생성, proxy 의 서버 설정으로 초기화
//  2. 이전 세션은 crash 면 바로 End, 아니면 watchdog 에 종료를 맡김
//  3. 마지막 사용자 tag 재기록
//
// 생성에 실패하면 현재 세션을 계속 쓴다.
func (p *SessionProxy) splitLocked(reason string) {
	next, err := p.creator.CreateSession()
	if err != nil {
		p.log.Error().Err(err).Str("reason", reason).Msg("create split session failed")
		return
	}

	// 콜백 등록 전에 초기화해야 p.mu 를 잡은 채로 콜백이 불리지 않는다
	cfg := p.serverConfig.Load()
	if cfg != nil {
		next.InitializeServerConfiguration(cfg)
	}
	next.Beacon().SetServerConfigUpdateCallback(p.onServerConfigurationUpdate)

	prev := p.current
	p.current = next
	p.topLevelActionCount = 0
	p.lastInteraction = next.Beacon().SessionStartTime()

	switch {
	case reason == splitByCrash, p.watchdog == nil:
		prev.End()
	default:
		grace := int64(0)
		if cfg != nil {
			grace = int64(cfg.SendIntervalMillis)
		}
		p.watchdog.CloseOrEnqueueForClosing(prev, grace)
	}

	if p.hasUserTag {
		next.IdentifyUser(p.lastUserTag)
	}

	atomic.AddInt64(&p.metrics.SessionsSplitTotal, 1)
	p.log.Info().
		Str("reason", reason).
		Int("session_sequence", next.Beacon().SessionSequenceNumber()).
		Msg("session split")
}

// onServerConfigurationUpdate 는 세션 beacon 의 서버 설정이 바뀔 때 불린다.
// 처음 받은 설정이 시간 기준 분할을 켜면 watchdog 에 등록한다.
func (p *SessionProxy) onServerConfigurationUpdate(server *settings.Server) {
	var first bool
	for {
		old := p.serverConfig.Load()
		next := server
		if old != nil {
			next = old.Merge(server)
		}
		if p.serverConfig.CompareAndSwap(old, next) {
			first = old == nil
			break
		}
	}

	if !first || p.watchdog == nil {
		return
	}
	if server.IsSessionSplitByIdleTimeoutEnabled() || server.IsSessionSplitBySessionDurationEnabled() {
		p.watchdog.AddToSplitByTimeout(p)
	}
}
