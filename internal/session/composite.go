// internal/session/composite.go
package session

import "sync"

// child 는 부모(session, root action)가 추적하는 열린 객체.
// close 는 부모가 끝날 때 강제로 닫는 경로이며, 여러 번 불려도 안전해야 한다.
type child interface {
	childID() int
	close(discard bool)
}

// parent 는 자식이 닫혔음을 통보받는 쪽.
// 자식은 부모 객체 전체가 아니라 이 좁은 인터페이스만 안다.
type parent interface {
	onChildClosed(id int)
	actionID() int
}

// children
// ------------------------------------------------------------
// 열린 자식 목록. 열린 순서를 유지하고 id 로 제거한다.
type children struct {
	mu    sync.Mutex
	order []child
}

func (c *children) add(ch child) {
	c.mu.Lock()
	c.order = append(c.order, ch)
	c.mu.Unlock()
}

// remove 는 id 에 해당하는 자식을 지우고 남은 개수를 반환한다.
func (c *children) remove(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.order {
		if ch.childID() == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return len(c.order)
}

// snapshot 은 열린 순서대로의 복사본.
func (c *children) snapshot() []child {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]child, len(c.order))
	copy(out, c.order)
	return out
}

func (c *children) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// closeAll 은 열린 순서대로 모두 닫는다.
func (c *children) closeAll(discard bool) {
	for _, ch := range c.snapshot() {
		ch.close(discard)
	}
}
