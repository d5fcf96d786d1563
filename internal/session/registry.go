// internal/session/registry.go
package session

import "sync"

// Registry
// ------------------------------------------------------------
// sender 가 전송할 세션 목록.
// 세션은 생성될 때 등록되고, 끝난 세션의 데이터를 모두 보낸 뒤 sender 가 제거한다.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

// Remove 는 s 를 제거한다. 없으면 false.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.sessions {
		if cur == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// All 은 등록 순서대로의 복사본.
func (r *Registry) All() []*Session {
	return r.filter(func(*Session) bool { return true })
}

// NotConfigured 는 아직 서버 설정을 받지 못한 세션 (new session 요청 대상).
func (r *Registry) NotConfigured() []*Session {
	return r.filter(func(s *Session) bool { return !s.IsConfigured() })
}

func (r *Registry) OpenAndConfigured() []*Session {
	return r.filter((*Session).IsConfiguredAndOpen)
}

func (r *Registry) FinishedAndConfigured() []*Session {
	return r.filter((*Session).IsConfiguredAndFinished)
}

func (r *Registry) filter(keep func(*Session) bool) []*Session {
	r.mu.Lock()
	snapshot := make([]*Session, len(r.sessions))
	copy(snapshot, r.sessions)
	r.mu.Unlock()

	out := snapshot[:0]
	for _, s := range snapshot {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
