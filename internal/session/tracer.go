// internal/session/tracer.go
package session

import (
	"net/url"
	"strings"
	"sync"

	"estat-beacon/internal/beacon"

	"github.com/rs/zerolog"
)

// tracer 는 web request 하나의 측정 상태.
type tracer struct {
	beacon *beacon.Beacon
	log    zerolog.Logger
	parent parent

	id       int
	parentID int
	url      string
	tag      string

	mu            sync.Mutex
	startTime     int64
	startSeq      int
	endTime       int64
	endSeq        int
	bytesSent     int
	bytesReceived int
	responseCode  int
	stopped       bool
}

// newTracer 는 URL 이 scheme 과 host 를 갖춘 경우에만 만든다.
// query 는 잘라낸다.
func newTracer(b *beacon.Beacon, log zerolog.Logger, rawURL string, p parent) (*tracer, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.Warn().Str("url", rawURL).Msg("invalid web request url, ignored")
		return nil, false
	}
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		rawURL = rawURL[:i]
	}

	t := &tracer{
		beacon:        b,
		parent:        p,
		id:            b.NextID(),
		parentID:      p.actionID(),
		url:           rawURL,
		startTime:     b.CurrentTimestamp(),
		startSeq:      b.NextSequenceNumber(),
		endTime:       -1,
		endSeq:        -1,
		bytesSent:     -1,
		bytesReceived: -1,
		responseCode:  -1,
	}
	t.tag = b.CreateTag(t.parentID, t.startSeq)
	t.log = log.With().Int("web_request_id", t.id).Logger()
	return t, true
}

func (t *tracer) childID() int { return t.id }

func (t *tracer) close(discard bool) { t.stop(-1, discard) }

func (t *tracer) stop(responseCode int, discard bool) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if responseCode != -1 {
		t.responseCode = responseCode
	}
	t.endTime = t.beacon.CurrentTimestamp()
	t.endSeq = t.beacon.NextSequenceNumber()
	data := beacon.WebRequestData{
		ParentID:      t.parentID,
		URL:           t.url,
		StartSequence: t.startSeq,
		StartTime:     t.startTime,
		EndSequence:   t.endSeq,
		EndTime:       t.endTime,
		BytesSent:     t.bytesSent,
		BytesReceived: t.bytesReceived,
		ResponseCode:  t.responseCode,
	}
	t.mu.Unlock()

	if !discard {
		t.beacon.AddWebRequest(data)
	}
	t.parent.onChildClosed(t.id)
}

// WebRequestTracer
// ------------------------------------------------------------
// 나가는 HTTP 요청 하나를 측정하는 핸들.
//
//	tracer := action.TraceWebRequest("https://example.com/api")
//	req.Header.Set(session.TagHeader, tracer.Tag())
//	tracer.Start()
//	... 요청 ...
//	tracer.SetBytesSent(n).SetBytesReceived(m).Stop(resp.StatusCode)
//
// 값이 비어 있으면 비활성이며 Tag() 는 "".
type WebRequestTracer struct {
	t *tracer
}

// TagHeader 는 tag 를 실어 보내는 HTTP 헤더 이름.
const TagHeader = "X-dynaTrace"

func (w WebRequestTracer) Enabled() bool { return w.t != nil }

// Tag 는 요청 헤더에 붙일 추적 값. tracing 이 허용되지 않으면 "".
func (w WebRequestTracer) Tag() string {
	if w.t == nil {
		return ""
	}
	return w.t.tag
}

func (w WebRequestTracer) URL() string {
	if w.t == nil {
		return ""
	}
	return w.t.url
}

// Start 는 시작 시간을 지금으로 다시 잡는다.
func (w WebRequestTracer) Start() WebRequestTracer {
	if w.t == nil {
		return w
	}
	w.t.mu.Lock()
	if !w.t.stopped {
		w.t.startTime = w.t.beacon.CurrentTimestamp()
	}
	w.t.mu.Unlock()
	return w
}

func (w WebRequestTracer) SetBytesSent(n int) WebRequestTracer {
	if w.t == nil {
		return w
	}
	w.t.mu.Lock()
	if !w.t.stopped {
		w.t.bytesSent = n
	}
	w.t.mu.Unlock()
	return w
}

func (w WebRequestTracer) SetBytesReceived(n int) WebRequestTracer {
	if w.t == nil {
		return w
	}
	w.t.mu.Lock()
	if !w.t.stopped {
		w.t.bytesReceived = n
	}
	w.t.mu.Unlock()
	return w
}

// Stop 은 응답 코드와 함께 측정을 끝내고 기록한다. 두 번째 호출부터는 무시된다.
func (w WebRequestTracer) Stop(responseCode int) {
	if w.t != nil {
		w.t.stop(responseCode, false)
	}
}
