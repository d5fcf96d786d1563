// internal/worker/sender.go
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"estat-beacon/internal/metrics"
	"estat-beacon/internal/provider"
	"estat-beacon/internal/response"
	"estat-beacon/internal/session"
	"estat-beacon/internal/settings"
	"estat-beacon/internal/transport"

	"github.com/rs/zerolog"
)

// SenderState 는 beacon sender 의 현재 단계.
type SenderState int32

const (
	StateInit SenderState = iota
	StateCaptureOn
	StateCaptureOff
	StateFlush
	StateTerminal
)

func (s SenderState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCaptureOn:
		return "capture_on"
	case StateCaptureOff:
		return "capture_off"
	case StateFlush:
		return "flush"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

// SenderConfig 는 sender 의 대기/재시도 값.
type SenderConfig struct {
	// status 요청 재시도 횟수와 첫 재시도 대기 (매번 두 배)
	StatusRetries     int
	InitialRetrySleep time.Duration

	// init 실패 시 다음 시도까지의 대기. 마지막 값을 계속 쓴다.
	ReinitDelays []time.Duration

	// capture off 상태에서 status 를 다시 묻는 주기
	StatusCheckInterval time.Duration

	// capture on 상태 한 바퀴 사이의 대기
	LoopInterval time.Duration

	// 종료 시 flush 전체에 허용하는 시간
	FlushTimeout time.Duration
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		StatusRetries:     5,
		InitialRetrySleep: time.Second,
		ReinitDelays: []time.Duration{
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			2 * time.Hour,
		},
		StatusCheckInterval: 2 * time.Hour,
		LoopInterval:        time.Second,
		FlushTimeout:        10 * time.Second,
	}
}

// Sender
// ------------------------------------------------------------
// Registry 의 세션들을 서버로 보내는 단일 goroutine 상태 기계.
//
//	Init ──ok──▶ CaptureOn ◀──▶ CaptureOff
//	  │              │               │
//	  │           shutdown        shutdown
//	  │              ▼               ▼
//	  └─shutdown──▶ Terminal ◀──── Flush
//
//   - Init: status 요청이 성공할 때까지 재시도 (재시도 간격 증가)
//   - CaptureOn: new session 요청으로 세션 구성, 끝난 세션 전송 후 제거,
//     열린 세션은 send interval 마다 전송
//   - CaptureOff: 쌓인 데이터를 버리고 주기적으로 status 만 확인
//   - Flush: 종료 요청 시 모든 세션을 끝내고 한 번 전송
//
// 429 응답을 받으면 Retry-After 만큼 CaptureOff 에서 쉰다.
type Sender struct {
	cfg      SenderConfig
	clients  transport.ClientProvider
	registry *session.Registry
	timing   provider.Timing
	metrics  *metrics.Metrics
	log      zerolog.Logger

	defaultServerID int

	// 테스트에서 교체. ctx 가 끝나면 false.
	sleep func(ctx context.Context, d time.Duration) bool

	state atomic.Int32

	// 이하 Run goroutine 전용
	lastAttrs           response.Attributes
	lastOpenSessionSend int64
	lastStatusCheck     int64
	captureOffSleep     time.Duration

	initOnce sync.Once
	initDone chan struct{}
	initOK   atomic.Bool
}

func NewSender(
	cfg SenderConfig,
	clients transport.ClientProvider,
	registry *session.Registry,
	timing provider.Timing,
	defaultServerID int,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Sender {
	if len(cfg.ReinitDelays) == 0 {
		cfg.ReinitDelays = DefaultSenderConfig().ReinitDelays
	}
	if m == nil {
		m = metrics.New()
	}
	return &Sender{
		cfg:             cfg,
		clients:         clients,
		registry:        registry,
		timing:          timing,
		metrics:         m,
		log:             log.With().Str("component", "beacon_sender").Logger(),
		defaultServerID: defaultServerID,
		sleep:           sleepCtx,
		lastAttrs:       response.UndefinedDefaults,
		initDone:        make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Sender) State() SenderState { return SenderState(s.state.Load()) }

func (s *Sender) setState(next SenderState) {
	prev := SenderState(s.state.Swap(int32(next)))
	if prev != next {
		s.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("sender state changed")
	}
}

// WaitForInit 은 Init 단계가 끝날 때까지 기다린다. 서버와 연결되었으면 true.
func (s *Sender) WaitForInit(ctx context.Context) bool {
	select {
	case <-s.initDone:
		return s.initOK.Load()
	case <-ctx.Done():
		return false
	}
}

func (s *Sender) completeInit(ok bool) {
	s.initOnce.Do(func() {
		s.initOK.Store(ok)
		close(s.initDone)
	})
}

// ServerConfiguration 은 마지막 status 응답으로 만든 설정.
// Run 이 끝난 뒤나 테스트에서만 읽는다.
func (s *Sender) ServerConfiguration() *settings.Server {
	return settings.ServerFrom(s.lastAttrs)
}

// Run 은 ctx 가 끝나면 Flush 를 거쳐 Terminal 에서 반환한다.
func (s *Sender) Run(ctx context.Context) {
	for s.State() != StateTerminal {
		s.Step(ctx)
	}
	s.completeInit(false)
	s.log.Info().Msg("beacon sender exiting")
}

// Step 은 현재 상태를 한 번 실행한다.
func (s *Sender) Step(ctx context.Context) {
	switch s.State() {
	case StateInit:
		s.executeInit(ctx)
	case StateCaptureOn:
		s.executeCaptureOn(ctx)
	case StateCaptureOff:
		s.executeCaptureOff(ctx)
	case StateFlush:
		s.executeFlush(ctx)
	}
}

// ------------------------------------------------------------
// 공통
// ------------------------------------------------------------

func (s *Sender) serverID() int {
	if s.lastAttrs.IsAttributeSet(response.AttrServerID) {
		return s.lastAttrs.ServerID()
	}
	return s.defaultServerID
}

func (s *Sender) client() transport.Client {
	return s.clients.Client(s.serverID())
}

func (s *Sender) additionalParams() *transport.AdditionalParams {
	if !s.lastAttrs.IsAttributeSet(response.AttrTimestamp) {
		return nil
	}
	return &transport.AdditionalParams{ConfigurationTimestamp: s.lastAttrs.Timestamp()}
}

// sendStatusRequest 는 성공, 429, 재시도 소진, 종료 요청 중 하나가 될 때까지
// status 요청을 반복한다. 재시도 대기는 매번 두 배.
func (s *Sender) sendStatusRequest(ctx context.Context) *transport.StatusResponse {
	sleep := s.cfg.InitialRetrySleep
	for retry := 0; ; retry++ {
		resp := s.client().SendStatusRequest(ctx, s.additionalParams())
		if resp.IsSuccessful() || resp.IsTooManyRequests() || retry >= s.cfg.StatusRetries || ctx.Err() != nil {
			return resp
		}
		if !s.sleep(ctx, sleep) {
			return resp
		}
		sleep *= 2
	}
}

// handleStatusResponse 는 성공 응답을 누적 속성에 합친다.
// capture 가 꺼지면 모든 세션 데이터를 버린다.
func (s *Sender) handleStatusResponse(resp *transport.StatusResponse) {
	if resp == nil || resp.IsErroneous() {
		return
	}
	s.lastAttrs = s.lastAttrs.Merge(resp.Attributes)
	if !s.lastAttrs.IsCapture() {
		s.disableCaptureAndClear()
	}
}

func (s *Sender) isCaptureOn() bool { return s.lastAttrs.IsCapture() }

// disableCaptureAndClear 는 모든 세션의 capture 를 끄고 쌓인 데이터를 버린다.
// 끝난 세션은 Registry 에서도 뺀다.
func (s *Sender) disableCaptureAndClear() {
	for _, sess := range s.registry.All() {
		sess.DisableCapture()
		sess.ClearCapturedData()
		if sess.IsFinished() {
			s.registry.Remove(sess)
		}
	}
}

func (s *Sender) enterCaptureOff(retryAfter time.Duration) {
	s.captureOffSleep = retryAfter
	s.setState(StateCaptureOff)
}

// ------------------------------------------------------------
// Init
// ------------------------------------------------------------

func (s *Sender) executeInit(ctx context.Context) {
	now := s.timing.NowMillis()
	s.lastOpenSessionSend = now
	s.lastStatusCheck = now

	delayIdx := 0
	var resp *transport.StatusResponse
	for {
		resp = s.sendStatusRequest(ctx)
		if ctx.Err() != nil || resp.IsSuccessful() {
			break
		}

		wait := s.cfg.ReinitDelays[delayIdx]
		if resp.IsTooManyRequests() {
			wait = resp.RetryAfter()
			delayIdx = 0
		}
		s.log.Warn().
			Int("response_code", resp.ResponseCode).
			Dur("retry_in", wait).
			Msg("status request failed during init")
		if !s.sleep(ctx, wait) {
			break
		}
		delayIdx = min(delayIdx+1, len(s.cfg.ReinitDelays)-1)
	}

	if ctx.Err() != nil {
		s.completeInit(false)
		s.setState(StateTerminal)
		return
	}

	s.handleStatusResponse(resp)
	s.completeInit(true)
	if s.isCaptureOn() {
		s.setState(StateCaptureOn)
	} else {
		s.enterCaptureOff(0)
	}
}

// ------------------------------------------------------------
// CaptureOn
// ------------------------------------------------------------

func (s *Sender) executeCaptureOn(ctx context.Context) {
	if !s.sleep(ctx, s.cfg.LoopInterval) {
		s.setState(StateFlush)
		return
	}

	// 1) 구성 안 된 세션에 new session 요청
	if resp := s.sendNewSessionRequests(ctx); resp.IsTooManyRequests() {
		s.enterCaptureOff(resp.RetryAfter())
		return
	}

	// 2) 끝난 세션 전송
	finished := s.sendFinishedSessions(ctx)
	if finished.IsTooManyRequests() {
		s.enterCaptureOff(finished.RetryAfter())
		return
	}

	// 3) 열린 세션 전송 (send interval 마다)
	open := s.sendOpenSessions(ctx)
	if open.IsTooManyRequests() {
		s.enterCaptureOff(open.RetryAfter())
		return
	}

	// 4) 마지막 응답으로 설정 갱신
	last := open
	if last == nil {
		last = finished
	}
	s.handleStatusResponse(last)
	if !s.isCaptureOn() {
		s.enterCaptureOff(0)
		return
	}
	if ctx.Err() != nil {
		s.setState(StateFlush)
	}
}

// sendNewSessionRequests 는 구성 안 된 세션마다 new session 요청을 보낸다.
// 기회를 모두 쓴 세션은 multiplicity 0 으로 구성해서 더 보내지 않게 한다.
// 429 를 받으면 그 응답을 바로 반환한다.
func (s *Sender) sendNewSessionRequests(ctx context.Context) *transport.StatusResponse {
	var last *transport.StatusResponse
	for _, sess := range s.registry.NotConfigured() {
		if !sess.CanSendNewSessionRequest() {
			disabled := settings.ServerFrom(s.lastAttrs)
			disabled.Multiplicity = 0
			sess.UpdateServerConfiguration(disabled)
			s.log.Warn().
				Int("session_number", sess.Beacon().SessionNumber()).
				Msg("new session requests exhausted, session disabled")
			continue
		}

		resp := s.client().SendNewSessionRequest(ctx, s.additionalParams())
		if resp.IsTooManyRequests() {
			return resp
		}
		if resp.IsSuccessful() {
			updated := s.lastAttrs.Merge(resp.Attributes)
			sess.UpdateServerConfiguration(settings.ServerFrom(updated))
		} else {
			sess.DecreaseNewSessionRequests()
		}
		last = resp
	}
	return last
}

// sendFinishedSessions 는 끝난 세션을 보내고 Registry 에서 뺀다.
// 실패하면 남은 세션은 다음 바퀴로 미룬다.
func (s *Sender) sendFinishedSessions(ctx context.Context) *transport.StatusResponse {
	var last *transport.StatusResponse
	for _, sess := range s.registry.FinishedAndConfigured() {
		if sess.IsDataSendingAllowed() {
			resp := sess.SendBeacon(ctx, s.clients, s.additionalParams())
			if resp != nil && resp.IsErroneous() {
				return resp
			}
			if resp != nil {
				last = resp
			}
		}
		s.registry.Remove(sess)
		sess.ClearCapturedData()
	}
	return last
}

// sendOpenSessions 는 send interval 이 지났을 때만 열린 세션을 보낸다.
// capture 가 꺼진 세션의 데이터는 버린다.
func (s *Sender) sendOpenSessions(ctx context.Context) *transport.StatusResponse {
	now := s.timing.NowMillis()
	interval := int64(s.ServerConfiguration().SendIntervalMillis)
	if now < s.lastOpenSessionSend+interval {
		return nil
	}

	var last *transport.StatusResponse
	for _, sess := range s.registry.OpenAndConfigured() {
		if !sess.IsDataSendingAllowed() {
			sess.ClearCapturedData()
			continue
		}
		resp := sess.SendBeacon(ctx, s.clients, s.additionalParams())
		if resp.IsTooManyRequests() {
			return resp
		}
		if resp != nil {
			last = resp
		}
	}
	s.lastOpenSessionSend = now
	return last
}

// ------------------------------------------------------------
// CaptureOff
// ------------------------------------------------------------

func (s *Sender) executeCaptureOff(ctx context.Context) {
	s.disableCaptureAndClear()

	now := s.timing.NowMillis()
	wait := s.captureOffSleep
	if wait <= 0 {
		wait = s.cfg.StatusCheckInterval - time.Duration(now-s.lastStatusCheck)*time.Millisecond
	}
	if wait > 0 && !s.sleep(ctx, wait) {
		s.setState(StateFlush)
		return
	}

	resp := s.sendStatusRequest(ctx)
	s.lastStatusCheck = now

	switch {
	case resp.IsTooManyRequests():
		s.captureOffSleep = resp.RetryAfter()
	case resp.IsSuccessful():
		s.captureOffSleep = 0
		s.handleStatusResponse(resp)
		if s.isCaptureOn() {
			s.enableCapture()
			s.setState(StateCaptureOn)
			return
		}
	default:
		s.captureOffSleep = 0
	}

	if ctx.Err() != nil {
		s.setState(StateFlush)
	}
}

// enableCapture 는 capture 를 다시 켤 때 열린 세션의 capture 를 되돌린다.
func (s *Sender) enableCapture() {
	for _, sess := range s.registry.All() {
		sess.EnableCapture()
	}
}

// ------------------------------------------------------------
// Flush
// ------------------------------------------------------------

// executeFlush 는 종료 시 한 번 실행된다.
//  1. 구성 안 된 세션은 마지막 서버 설정으로 구성
//  2. 열린 세션 종료
//  3. 끝난 세션 전송 (429 를 받으면 이후는 보내지 않음)
func (s *Sender) executeFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
	defer cancel()

	for _, sess := range s.registry.NotConfigured() {
		sess.UpdateServerConfiguration(settings.ServerFrom(s.lastAttrs))
	}
	for _, sess := range s.registry.All() {
		if !sess.IsFinished() {
			sess.End()
		}
	}

	tooManyRequests := false
	sent := 0
	for _, sess := range s.registry.FinishedAndConfigured() {
		if !tooManyRequests && sess.IsDataSendingAllowed() {
			resp := sess.SendBeacon(flushCtx, s.clients, s.additionalParams())
			if resp.IsTooManyRequests() {
				tooManyRequests = true
			}
			sent++
		}
		sess.ClearCapturedData()
		s.registry.Remove(sess)
	}

	s.log.Info().Int("sessions", sent).Bool("too_many_requests", tooManyRequests).Msg("sessions flushed")
	s.setState(StateTerminal)
}
