// internal/session/action.go
package session

import (
	"sync"
	"time"

	"estat-beacon/internal/beacon"
	"estat-beacon/internal/serializer"

	"github.com/rs/zerolog"
)

// action
// ------------------------------------------------------------
// RootAction / LeafAction 이 공유하는 실제 상태.
//
//   - 시작 시점에 id, 시작 시간, 시작 sequence 를 beacon 에서 발급받는다.
//   - leave 는 열린 자식(leaf action, web request)을 연 순서대로 닫고
//     action 레코드를 한 번만 기록한 뒤 부모에게 닫혔다고 알린다.
//   - cancel 은 같은 경로지만 기록하지 않는다.
type action struct {
	beacon *beacon.Beacon
	log    zerolog.Logger

	id       int
	parentID int
	name     string

	startTime int64
	startSeq  int

	parent   parent
	children children

	// root 는 leaf action 의 LeaveAction 반환값. root action 자신은 비어 있다.
	root *action

	mu       sync.Mutex
	finished bool
	endTime  int64
	endSeq   int
}

func newAction(b *beacon.Beacon, log zerolog.Logger, name string, p parent, root *action) *action {
	a := &action{
		beacon:    b,
		id:        b.NextID(),
		parentID:  p.actionID(),
		name:      serializer.Truncate(name, serializer.MaxNameLength),
		startTime: b.CurrentTimestamp(),
		startSeq:  b.NextSequenceNumber(),
		parent:    p,
		root:      root,
		endTime:   -1,
		endSeq:    -1,
	}
	a.log = log.With().Int("action_id", a.id).Logger()
	return a
}

func (a *action) childID() int  { return a.id }
func (a *action) actionID() int { return a.id }

func (a *action) close(discard bool) { a.end(discard) }

// onChildClosed 는 자식이 끝났을 때 목록에서 뺀다.
func (a *action) onChildClosed(id int) { a.children.remove(id) }

func (a *action) isFinished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// end 는 처음 호출될 때만 효과가 있다. 처음 호출이면 true.
func (a *action) end(discard bool) bool {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return false
	}
	a.finished = true
	a.mu.Unlock()

	// 1) 열린 자식을 연 순서대로 닫는다
	a.children.closeAll(discard)

	// 2) 종료 시간/sequence 확정
	endTime := a.beacon.CurrentTimestamp()
	endSeq := a.beacon.NextSequenceNumber()
	a.mu.Lock()
	a.endTime = endTime
	a.endSeq = endSeq
	a.mu.Unlock()

	// 3) 기록 (cancel 이면 생략)
	if !discard {
		a.beacon.AddAction(beacon.ActionData{
			ID:            a.id,
			ParentID:      a.parentID,
			Name:          a.name,
			StartSequence: a.startSeq,
			StartTime:     a.startTime,
			EndSequence:   endSeq,
			EndTime:       endTime,
		})
	} else {
		a.log.Debug().Msg("action canceled")
	}

	// 4) 부모에게 통보
	a.parent.onChildClosed(a.id)
	return true
}

func (a *action) duration() time.Duration {
	a.mu.Lock()
	end := a.endTime
	a.mu.Unlock()
	if end < 0 {
		end = a.beacon.CurrentTimestamp()
	}
	return time.Duration(end-a.startTime) * time.Millisecond
}

func (a *action) endValues() (int64, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endTime, a.endSeq
}

// 보고 계열은 action 이 끝났거나 이름이 비어 있으면 버린다.
func (a *action) accepts(op, name string) bool {
	if a.isFinished() {
		a.log.Warn().Str("op", op).Msg("action already left, ignored")
		return false
	}
	if name == "" {
		a.log.Warn().Str("op", op).Msg("empty name, ignored")
		return false
	}
	return true
}

func (a *action) reportEvent(name string) {
	if a.accepts("report_event", name) {
		a.beacon.ReportEvent(a.id, name)
	}
}

func (a *action) reportInt(name string, v int64) {
	if a.accepts("report_value", name) {
		a.beacon.ReportIntValue(a.id, name, v)
	}
}

func (a *action) reportDouble(name string, v float64) {
	if a.accepts("report_value", name) {
		a.beacon.ReportDoubleValue(a.id, name, v)
	}
}

func (a *action) reportString(name string, v *string) {
	if a.accepts("report_value", name) {
		a.beacon.ReportStringValue(a.id, name, v)
	}
}

func (a *action) reportError(name string, code int) {
	if a.accepts("report_error", name) {
		a.beacon.ReportError(a.id, name, code)
	}
}

func (a *action) reportErrorCause(name, causeName, reason, stack string) {
	if a.accepts("report_error", name) {
		a.beacon.ReportErrorCause(a.id, name, causeName, reason, stack)
	}
}

// addChild 는 끝나지 않은 action 에만 자식을 붙인다.
// 확인과 추가를 a.mu 안에서 같이 해야 end 의 closeAll 이 자식을 놓치지 않는다.
func (a *action) addChild(op string, ch func() child) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		a.log.Warn().Str("op", op).Msg("action already left, ignored")
		return false
	}
	c := ch()
	if c == nil {
		return false
	}
	a.children.add(c)
	return true
}

func (a *action) traceWebRequest(url string) WebRequestTracer {
	var t *tracer
	a.addChild("trace_web_request", func() child {
		var ok bool
		if t, ok = newTracer(a.beacon, a.log, url, a); !ok {
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
// RootAction
// ------------------------------------------------------------

// RootAction 은 세션 최상위 action 핸들.
//
// 값이 비어 있으면(Enabled()==false) 비활성 action 이며 모든 호출이
// 아무것도 기록하지 않는다. 세션이 이미 끝났거나 이름이 비어 있을 때 반환된다.
type RootAction struct {
	a *action
}

// Enabled 는 실제로 기록되는 action 이면 true.
func (r RootAction) Enabled() bool { return r.a != nil }

// ID 는 action id. 비활성이면 0.
func (r RootAction) ID() int {
	if r.a == nil {
		return 0
	}
	return r.a.id
}

func (r RootAction) ParentID() int {
	if r.a == nil {
		return 0
	}
	return r.a.parentID
}

func (r RootAction) Name() string {
	if r.a == nil {
		return ""
	}
	return r.a.name
}

// EnterAction 은 자식 leaf action 을 연다.
func (r RootAction) EnterAction(name string) LeafAction {
	if r.a == nil {
		return LeafAction{}
	}
	if !r.a.accepts("enter_action", name) {
		return LeafAction{}
	}
	var leaf *action
	if !r.a.addChild("enter_action", func() child {
		leaf = newAction(r.a.beacon, r.a.log, name, r.a, r.a)
		return leaf
	}) {
		return LeafAction{}
	}
	return LeafAction{a: leaf}
}

func (r RootAction) ReportEvent(name string) RootAction {
	if r.a != nil {
		r.a.reportEvent(name)
	}
	return r
}

func (r RootAction) ReportIntValue(name string, v int) RootAction {
	return r.ReportInt64Value(name, int64(v))
}

func (r RootAction) ReportInt64Value(name string, v int64) RootAction {
	if r.a != nil {
		r.a.reportInt(name, v)
	}
	return r
}

func (r RootAction) ReportDoubleValue(name string, v float64) RootAction {
	if r.a != nil {
		r.a.reportDouble(name, v)
	}
	return r
}

// ReportStringValue 는 값 그대로 보낸다. 값 없이 보내려면 ReportNilStringValue.
func (r RootAction) ReportStringValue(name, v string) RootAction {
	if r.a != nil {
		r.a.reportString(name, &v)
	}
	return r
}

func (r RootAction) ReportNilStringValue(name string) RootAction {
	if r.a != nil {
		r.a.reportString(name, nil)
	}
	return r
}

func (r RootAction) ReportError(name string, code int) RootAction {
	if r.a != nil {
		r.a.reportError(name, code)
	}
	return r
}

func (r RootAction) ReportErrorCause(name, causeName, reason, stackTrace string) RootAction {
	if r.a != nil {
		r.a.reportErrorCause(name, causeName, reason, stackTrace)
	}
	return r
}

func (r RootAction) TraceWebRequest(url string) WebRequestTracer {
	if r.a == nil {
		return WebRequestTracer{}
	}
	return r.a.traceWebRequest(url)
}

// LeaveAction 은 열린 자식을 닫고 action 을 기록한다. 두 번째 호출부터는 효과가 없다.
func (r RootAction) LeaveAction() {
	if r.a != nil {
		r.a.end(false)
	}
}

// CancelAction 은 action 과 열린 자식을 기록하지 않고 닫는다.
func (r RootAction) CancelAction() {
	if r.a != nil {
		r.a.end(true)
	}
}

// Duration 은 끝났으면 end-start, 아니면 now-start.
func (r RootAction) Duration() time.Duration {
	if r.a == nil {
		return 0
	}
	return r.a.duration()
}

// ------------------------------------------------------------
// LeafAction
// ------------------------------------------------------------

// LeafAction 은 RootAction 아래의 자식 action 핸들. 더 깊이 중첩할 수 없다.
type LeafAction struct {
	a *action
}

func (l LeafAction) Enabled() bool { return l.a != nil }

func (l LeafAction) ID() int {
	if l.a == nil {
		return 0
	}
	return l.a.id
}

func (l LeafAction) ParentID() int {
	if l.a == nil {
		return 0
	}
	return l.a.parentID
}

func (l LeafAction) Name() string {
	if l.a == nil {
		return ""
	}
	return l.a.name
}

func (l LeafAction) ReportEvent(name string) LeafAction {
	if l.a != nil {
		l.a.reportEvent(name)
	}
	return l
}

func (l LeafAction) ReportIntValue(name string, v int) LeafAction {
	return l.ReportInt64Value(name, int64(v))
}

func (l LeafAction) ReportInt64Value(name string, v int64) LeafAction {
	if l.a != nil {
		l.a.reportInt(name, v)
	}
	return l
}

func (l LeafAction) ReportDoubleValue(name string, v float64) LeafAction {
	if l.a != nil {
		l.a.reportDouble(name, v)
	}
	return l
}

func (l LeafAction) ReportStringValue(name, v string) LeafAction {
	if l.a != nil {
		l.a.reportString(name, &v)
	}
	return l
}

func (l LeafAction) ReportError(name string, code int) LeafAction {
	if l.a != nil {
		l.a.reportError(name, code)
	}
	return l
}

func (l LeafAction) ReportErrorCause(name, causeName, reason, stackTrace string) LeafAction {
	if l.a != nil {
		l.a.reportErrorCause(name, causeName, reason, stackTrace)
	}
	return l
}

func (l LeafAction) TraceWebRequest(url string) WebRequestTracer {
	if l.a == nil {
		return WebRequestTracer{}
	}
	return l.a.traceWebRequest(url)
}

// LeaveAction 은 action 을 기록하고 부모 RootAction 을 반환한다.
// 여러 번 호출해도 같은 부모를 반환하고 다시 기록하지 않는다.
func (l LeafAction) LeaveAction() RootAction {
	if l.a == nil {
		return RootAction{}
	}
	l.a.end(false)
	return RootAction{a: l.a.root}
}

// CancelAction 은 기록 없이 닫고 부모를 반환한다.
func (l LeafAction) CancelAction() RootAction {
	if l.a == nil {
		return RootAction{}
	}
	l.a.end(true)
	return RootAction{a: l.a.root}
}

func (l LeafAction) Duration() time.Duration {
	if l.a == nil {
		return 0
	}
	return l.a.duration()
}
