// internal/session/creator.go
package session

import (
	"errors"
	"sync"

	"estat-beacon/internal/beacon"
	"estat-beacon/internal/cache"
	"estat-beacon/internal/metrics"
	"estat-beacon/internal/provider"
	"estat-beacon/internal/settings"

	"github.com/rs/zerolog"
)

var (
	ErrNilRegistry   = errors.New("session: registry is required")
	ErrNilSessionIDs = errors.New("session: session id provider is required")
)

// Creator 는 SessionProxy 가 새 Session(분할 단위)을 얻는 곳.
type Creator interface {
	CreateSession() (*Session, error)
}

// Deps 는 세션 생성에 필요한 collaborator 묶음. 프로세스에 하나.
type Deps struct {
	OpenKit settings.OpenKit
	Privacy settings.Privacy

	Cache      *cache.EventCache
	Timing     provider.Timing
	ThreadID   provider.ThreadID
	Random     provider.Random
	SessionIDs provider.SessionID
	Registry   *Registry

	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Cache == nil:
		return beacon.ErrNilCache
	case d.Timing == nil:
		return beacon.ErrNilTiming
	case d.ThreadID == nil:
		return beacon.ErrNilThreadID
	case d.Random == nil:
		return beacon.ErrNilRandom
	case d.SessionIDs == nil:
		return ErrNilSessionIDs
	case d.Registry == nil:
		return ErrNilRegistry
	}
	return nil
}

// DefaultCreator
// ------------------------------------------------------------
// 논리 세션 하나(SessionProxy 하나)에 대응한다.
// 세션 번호는 생성 시 한 번 발급받고, 분할될 때마다 sequence 만 증가한다.
// 만든 세션은 Registry 에 등록되어 sender 가 전송한다.
type DefaultCreator struct {
	deps          Deps
	clientIP      string
	sessionNumber int

	mu           sync.Mutex
	nextSequence int
}

// NewCreator 는 필수 collaborator 를 검사하고 세션 번호를 발급받는다.
func NewCreator(d Deps, clientIP string) (*DefaultCreator, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return &DefaultCreator{
		deps:          d,
		clientIP:      clientIP,
		sessionNumber: d.SessionIDs.NextSessionID(),
	}, nil
}

func (c *DefaultCreator) SessionNumber() int { return c.sessionNumber }

func (c *DefaultCreator) CreateSession() (*Session, error) {
	c.mu.Lock()
	seq := c.nextSequence
	c.nextSequence++
	c.mu.Unlock()

	b, err := beacon.New(beacon.Params{
		OpenKit:         c.deps.OpenKit,
		Privacy:         c.deps.Privacy,
		SessionNumber:   c.sessionNumber,
		SessionSequence: seq,
		ClientIP:        c.clientIP,
		Cache:           c.deps.Cache,
		Timing:          c.deps.Timing,
		ThreadID:        c.deps.ThreadID,
		Random:          c.deps.Random,
		Metrics:         c.deps.Metrics,
		Log:             c.deps.Log,
	})
	if err != nil {
		return nil, err
	}

	log := c.deps.Log.With().
		Int("session_number", c.sessionNumber).
		Int("session_sequence", seq).
		Logger()
	s := newSession(b, log)
	c.deps.Registry.Add(s)
	return s, nil
}
