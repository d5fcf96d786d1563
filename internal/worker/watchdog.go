// internal/worker/watchdog.go
package worker

import (
	"context"
	"sync"
	"time"

	"estat-beacon/internal/provider"
	"estat-beacon/internal/session"

	"github.com/rs/zerolog"
)

// 할 일이 없을 때 watchdog 이 다시 깨어나는 간격
const defaultWatchdogSleep = 5 * time.Second

type closingSession struct {
	session *session.Session
	closeAt int64
}

// SessionWatchdog
// ------------------------------------------------------------
// 두 가지를 주기적으로 처리한다.
//   - 분할로 밀려났지만 열린 자식 때문에 끝나지 못한 세션: grace period 가 지나면 End
//   - idle timeout / 최대 길이 분할이 켜진 proxy: SplitByTime 호출
//
// 다음 처리 시각까지만 잔다. proxy 의 lock 을 잡는 동안 자신의 lock 은 잡지 않는다.
type SessionWatchdog struct {
	timing provider.Timing
	log    zerolog.Logger

	mu      sync.Mutex
	closing []closingSession
	proxies []*session.SessionProxy
}

func NewSessionWatchdog(timing provider.Timing, log zerolog.Logger) *SessionWatchdog {
	return &SessionWatchdog{
		timing: timing,
		log:    log.With().Str("component", "session_watchdog").Logger(),
	}
}

// CloseOrEnqueueForClosing 은 바로 끝낼 수 있으면 끝내고,
// 아니면 grace period 뒤에 강제로 끝내도록 예약한다.
func (w *SessionWatchdog) CloseOrEnqueueForClosing(s *session.Session, gracePeriodMillis int64) {
	if s.TryEnd() {
		return
	}
	w.mu.Lock()
	w.closing = append(w.closing, closingSession{
		session: s,
		closeAt: w.timing.NowMillis() + gracePeriodMillis,
	})
	w.mu.Unlock()
}

func (w *SessionWatchdog) AddToSplitByTimeout(p *session.SessionProxy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cur := range w.proxies {
		if cur == p {
			return
		}
	}
	w.proxies = append(w.proxies, p)
}

func (w *SessionWatchdog) RemoveFromSplitByTimeout(p *session.SessionProxy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeProxyLocked(p)
}

func (w *SessionWatchdog) removeProxyLocked(p *session.SessionProxy) {
	for i, cur := range w.proxies {
		if cur == p {
			w.proxies = append(w.proxies[:i], w.proxies[i+1:]...)
			return
		}
	}
}

// Pending 은 종료 대기 중인 세션 수와 감시 중인 proxy 수.
func (w *SessionWatchdog) Pending() (closing, proxies int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.closing), len(w.proxies)
}

// Execute 는 한 바퀴 처리하고 다음 처리까지 기다릴 시간을 반환한다.
func (w *SessionWatchdog) Execute() time.Duration {
	now := w.timing.NowMillis()
	sleep := defaultWatchdogSleep.Milliseconds()

	// 1) grace period 가 지난 세션 종료
	w.mu.Lock()
	pending := w.closing
	w.closing = nil
	w.mu.Unlock()

	var keep []closingSession
	for _, c := range pending {
		switch {
		case c.session.IsFinished():
		case now >= c.closeAt:
			c.session.End()
			w.log.Debug().Int("session_sequence", c.session.Beacon().SessionSequenceNumber()).Msg("grace period over, session ended")
		default:
			keep = append(keep, c)
			sleep = min(sleep, c.closeAt-now)
		}
	}
	if len(keep) > 0 {
		w.mu.Lock()
		w.closing = append(w.closing, keep...)
		w.mu.Unlock()
	}

	// 2) 시간 기준 분할
	w.mu.Lock()
	proxies := make([]*session.SessionProxy, len(w.proxies))
	copy(proxies, w.proxies)
	w.mu.Unlock()

	for _, p := range proxies {
		next := p.SplitByTime()
		if next < 0 {
			w.RemoveFromSplitByTimeout(p)
			continue
		}
		sleep = min(sleep, max(next-now, 0))
	}

	return time.Duration(sleep) * time.Millisecond
}

// Run 은 ctx 가 끝나면 대기 중인 세션을 모두 끝내고 반환한다.
func (w *SessionWatchdog) Run(ctx context.Context) {
	for {
		d := w.Execute()
		if !sleepCtx(ctx, d) {
			w.closeAll()
			w.log.Info().Msg("session watchdog exiting")
			return
		}
	}
}

func (w *SessionWatchdog) closeAll() {
	w.mu.Lock()
	pending := w.closing
	w.closing = nil
	w.proxies = nil
	w.mu.Unlock()

	for _, c := range pending {
		c.session.End()
	}
}
