// internal/worker/manager.go
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"estat-beacon/internal/cache"
	"estat-beacon/internal/config"
	"estat-beacon/internal/metrics"
	"estat-beacon/internal/provider"
	"estat-beacon/internal/session"
	"estat-beacon/internal/transport"

	"github.com/rs/zerolog"
)

var (
	ErrEmptyVisitor = errors.New("worker: visitor id is required")
	ErrShuttingDown = errors.New("worker: manager is shutting down")
)

// Manager는 beacon agent 의 핵심 파이프라인이다.
// 수집 엔드포인트로 들어온 보고를 visitor 별 SessionProxy 에 기록하고
//   - EventCache 에 레코드 보관 (Evictor 가 크기 제한)
//   - Sender 가 세션을 서버로 전송
//   - SessionWatchdog 이 시간 기준 분할과 늦은 종료 처리
//
// 하는 전체 흐름을 제어한다.
//
// 주요 구성:
//   - cache / evictor: 모든 세션이 공유하는 레코드 저장소
//   - registry: sender 가 보낼 세션 목록
//   - sessions: visitor id → 논리 세션(SessionProxy)
//
// Manager는 graceful shutdown을 지원하며,
// Shutdown 은 sender 가 남은 세션을 flush 할 때까지 기다린다.
type Manager struct {
	cfg     config.Config
	metrics *metrics.Metrics
	log     zerolog.Logger

	cache    *cache.EventCache
	evictor  *cache.Evictor
	registry *session.Registry
	sender   *Sender
	watchdog *SessionWatchdog
	deps     session.Deps

	mu       sync.Mutex
	sessions map[string]*session.SessionProxy
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager는 cache · evictor · sender · watchdog 을 초기화한다.
// doer 가 nil 이면 cfg.HTTPTimeout 을 쓰는 *http.Client 를 만든다.
func NewManager(cfg config.Config, m *metrics.Metrics, doer transport.Doer, log zerolog.Logger) (*Manager, error) {
	if cfg.EndpointURL == "" {
		return nil, errors.New("worker: endpoint url is required")
	}
	if cfg.ApplicationID == "" {
		return nil, errors.New("worker: application id is required")
	}
	if m == nil {
		m = metrics.New()
	}
	if doer == nil {
		doer = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	timing := provider.SystemTiming{}
	random := provider.DefaultRandom{}

	c := cache.New(m, log)
	registry := session.NewRegistry()
	clients := transport.NewHTTPClientProvider(cfg.EndpointURL, cfg.ApplicationID, doer, m, log)

	return &Manager{
		cfg:      cfg,
		metrics:  m,
		log:      log.With().Str("component", "manager").Logger(),
		cache:    c,
		evictor:  cache.NewEvictor(c, cfg.ToCache(), timing, log.With().Str("component", "cache_evictor").Logger()),
		registry: registry,
		sender:   NewSender(DefaultSenderConfig(), clients, registry, timing, cfg.ServerID, m, log),
		watchdog: NewSessionWatchdog(timing, log),
		deps: session.Deps{
			OpenKit:    cfg.ToOpenKit(),
			Privacy:    cfg.ToPrivacy(),
			Cache:      c,
			Timing:     timing,
			ThreadID:   provider.ProcessThreadID{},
			Random:     random,
			SessionIDs: provider.NewSequentialSessionID(random),
			Registry:   registry,
			Metrics:    m,
			Log:        log,
		},
		sessions: make(map[string]*session.SessionProxy),
	}, nil
}

// Start는 세 개의 goroutine을 실행한다.
//   - evictor: cache 크기/나이 제한
//   - sender: 서버 전송 상태 기계
//   - watchdog: 시간 기준 분할, 늦은 세션 종료
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.evictor.Run(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.sender.Run(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.watchdog.Run(m.ctx)
	}()
}

// Shutdown은 새 세션을 막고 모든 goroutine이 끝날 때까지 대기한다.
// sender 는 종료 직전 Flush 단계에서 남은 세션을 끝내고 전송한다.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
	})
	m.wg.Wait()
}

// WaitForInit 은 sender 가 첫 status 응답을 받을 때까지 기다린다.
func (m *Manager) WaitForInit(ctx context.Context) bool {
	return m.sender.WaitForInit(ctx)
}

// SenderState 는 /health 응답용.
func (m *Manager) SenderState() SenderState {
	return m.sender.State()
}

// CreateSession 은 새 논리 세션을 만든다. visitor 와 묶이지 않는다.
func (m *Manager) CreateSession(clientIP string) (*session.SessionProxy, error) {
	creator, err := session.NewCreator(m.deps, clientIP)
	if err != nil {
		return nil, err
	}
	p, err := session.NewSessionProxy(creator, m.watchdog, m.deps.Timing, m.metrics, m.log)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&m.metrics.SessionsStartedTotal, 1)
	return p, nil
}

// Session
//
// visitor id 의 논리 세션을 돌려준다. 없거나 이미 끝났으면 새로 만든다.
// clientIP 는 새로 만들 때만 쓰인다.
func (m *Manager) Session(visitor, clientIP string) (*session.SessionProxy, error) {
	if visitor == "" {
		return nil, ErrEmptyVisitor
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}
	if p, ok := m.sessions[visitor]; ok && !p.IsFinished() {
		return p, nil
	}

	p, err := m.CreateSession(clientIP)
	if err != nil {
		return nil, err
	}
	m.sessions[visitor] = p
	m.log.Debug().Str("visitor", visitor).Msg("session started")
	return p, nil
}

// EndSession 은 visitor 의 논리 세션을 끝낸다. 없으면 false.
func (m *Manager) EndSession(visitor string) bool {
	m.mu.Lock()
	p, ok := m.sessions[visitor]
	delete(m.sessions, visitor)
	m.mu.Unlock()

	if !ok {
		return false
	}
	p.End()
	return true
}

// ActiveSessions 는 visitor 에 묶인 논리 세션 수.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
