// internal/provider/ids.go
package provider

import (
	"math"
	"math/rand/v2"
	"os"
	"sync"
)

// ThreadID 는 beacon 레코드의 "it" 값을 제공한다.
type ThreadID interface {
	ThreadID() int
}

// ProcessThreadID
//
// Go 에는 외부로 노출되는 스레드 id 가 없으므로 프로세스 id 를 사용한다.
// 같은 프로세스의 레코드는 같은 "it" 값을 가진다.
type ProcessThreadID struct{}

func (ProcessThreadID) ThreadID() int {
	return os.Getpid() & math.MaxInt32
}

// SessionID 는 세션 번호를 발급한다.
type SessionID interface {
	NextSessionID() int
}

// SequentialSessionID
//
// 랜덤 양수에서 출발해 1씩 증가하는 세션 번호 발급기.
// MaxInt32 에 도달하면 1 로 돌아간다. 여러 goroutine 에서 호출해도 안전하다.
type SequentialSessionID struct {
	mu   sync.Mutex
	last int
}

// NewSequentialSessionID 는 rnd 에서 시작 값을 뽑는다.
func NewSequentialSessionID(rnd Random) *SequentialSessionID {
	return &SequentialSessionID{last: int(rnd.NextPositiveInt64() % math.MaxInt32)}
}

func (s *SequentialSessionID) NextSessionID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last >= math.MaxInt32 || s.last < 0 {
		s.last = 0
	}
	s.last++
	return s.last
}

// Random 은 device id 대체 값과 traffic control 값에 쓰이는 난수원.
type Random interface {
	// NextPositiveInt64 는 0 이상 63bit 난수.
	NextPositiveInt64() int64
	// NextPercentageValue 는 [0, 100) 난수.
	NextPercentageValue() int
}

// DefaultRandom 은 math/rand/v2 전역 소스 기반 구현.
type DefaultRandom struct{}

func (DefaultRandom) NextPositiveInt64() int64 { return rand.Int64() }

func (DefaultRandom) NextPercentageValue() int { return rand.IntN(100) }
