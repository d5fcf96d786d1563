package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"estat-beacon/internal/beacon"
	"estat-beacon/internal/metrics"
	"estat-beacon/internal/pool"
	"estat-beacon/internal/session"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Sessions 는 visitor 별 논리 세션 저장소. worker.Manager 가 만족한다.
type Sessions interface {
	Session(visitor, clientIP string) (*session.SessionProxy, error)
	EndSession(visitor string) bool
}

// CollectRequest 는 /collect 로 들어오는 보고 하나.
// Op 에 따라 쓰는 필드가 다르다.
//
//	event       name
//	value       name + int | double | string 중 하나
//	error       name, code
//	crash       name, reason, stack
//	identify    name (user tag)
//	action      name, events, children, cancel
//	web_request url, response_code, bytes_sent, bytes_received
//	end         -
type CollectRequest struct {
	Visitor string `json:"visitor"`
	Op      string `json:"op"`
	Name    string `json:"name,omitempty"`

	Int    *int64   `json:"int,omitempty"`
	Double *float64 `json:"double,omitempty"`
	String *string  `json:"string,omitempty"`

	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	Stack  string `json:"stack,omitempty"`

	Events   []string `json:"events,omitempty"`
	Children []string `json:"children,omitempty"`
	Cancel   bool     `json:"cancel,omitempty"`

	URL           string `json:"url,omitempty"`
	ResponseCode  int    `json:"response_code,omitempty"`
	BytesSent     int    `json:"bytes_sent,omitempty"`
	BytesReceived int    `json:"bytes_received,omitempty"`
}

// CollectResult 는 요청별 처리 결과. web_request 는 전파용 tag 를 돌려준다.
type CollectResult struct {
	Tag   string `json:"tag,omitempty"`
	Error string `json:"error,omitempty"`
}

var errBadRequest = errors.New("bad request")

type Handler struct {
	maxBodySize int64
	metrics     *metrics.Metrics
	sessions    Sessions
	log         zerolog.Logger
}

func NewHandler(maxBodySize int64, m *metrics.Metrics, sessions Sessions, log zerolog.Logger) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = 64 * 1024
	}
	return &Handler{
		maxBodySize: maxBodySize,
		metrics:     m,
		sessions:    sessions,
		log:         log.With().Str("component", "collect_handler").Logger(),
	}
}

// HandleCollect
//
// 애플리케이션이 보낸 보고를 visitor 의 세션에 기록한다.
//   - POST: JSON 객체 하나 또는 배열
//   - OPTIONS: CORS preflight 로 가정 → 즉시 204
//
// 공통 동작:
//  1. 요청 길이 제한(maxBodySize), BodyPool 재사용
//  2. 요청마다 visitor 세션을 찾거나 만들어 기록
//  3. 결과 배열을 JSON 으로 응답 (잘못된 보고가 있으면 400, 세션을 못 만들면 503)
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// --------------------------------------------------------------------
	// 1) body 읽기
	// --------------------------------------------------------------------
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.maxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		h.reject(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	reqs, err := decodeRequests(buf.Bytes())
	if err != nil {
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	// --------------------------------------------------------------------
	// 2) 보고 적용
	// --------------------------------------------------------------------
	clientIP := beacon.ClientIPFromRequest(r)
	results := make([]CollectResult, len(reqs))
	status := http.StatusOK

	for i := range reqs {
		atomic.AddInt64(&h.metrics.CollectRequestsTotal, 1)

		tag, err := h.apply(&reqs[i], clientIP)
		if err != nil {
			atomic.AddInt64(&h.metrics.CollectRequestsRejectedTotal, 1)
			results[i].Error = err.Error()
			if errors.Is(err, errBadRequest) {
				status = max(status, http.StatusBadRequest)
			} else {
				status = max(status, http.StatusServiceUnavailable)
			}
			continue
		}
		results[i].Tag = tag
	}

	// --------------------------------------------------------------------
	// 3) 응답
	// --------------------------------------------------------------------
	body, err := json.Marshal(results)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg string) {
	atomic.AddInt64(&h.metrics.CollectRequestsRejectedTotal, 1)
	h.log.Warn().Int("status", status).Str("reason", msg).Msg("collect request rejected")
	http.Error(w, msg, status)
}

// decodeRequests 는 객체 하나 또는 배열을 받는다.
func decodeRequests(data []byte) ([]CollectRequest, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	if data[0] == '[' {
		var reqs []CollectRequest
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		if len(reqs) == 0 {
			return nil, errors.New("empty batch")
		}
		return reqs, nil
	}

	var req CollectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return []CollectRequest{req}, nil
}

// apply 는 보고 하나를 세션에 기록한다. web_request 면 tag 를 반환한다.
func (h *Handler) apply(req *CollectRequest, clientIP string) (string, error) {
	if req.Visitor == "" {
		return "", fmt.Errorf("%w: visitor is required", errBadRequest)
	}

	if req.Op == "end" {
		h.sessions.EndSession(req.Visitor)
		return "", nil
	}
	if !knownOp(req.Op) {
		return "", fmt.Errorf("%w: unknown op %q", errBadRequest, req.Op)
	}

	p, err := h.sessions.Session(req.Visitor, clientIP)
	if err != nil {
		return "", err
	}

	switch req.Op {
	case "event":
		p.ReportEvent(req.Name)

	case "value":
		switch {
		case req.Int != nil:
			p.ReportIntValue(req.Name, *req.Int)
		case req.Double != nil:
			p.ReportDoubleValue(req.Name, *req.Double)
		case req.String != nil:
			p.ReportStringValue(req.Name, *req.String)
		default:
			return "", fmt.Errorf("%w: value requires int, double or string", errBadRequest)
		}

	case "error":
		p.ReportError(req.Name, req.Code)

	case "crash":
		p.ReportCrash(req.Name, req.Reason, req.Stack)

	case "identify":
		p.IdentifyUser(req.Name)

	case "action":
		a := p.EnterAction(req.Name)
		for _, ev := range req.Events {
			a.ReportEvent(ev)
		}
		for _, child := range req.Children {
			a.EnterAction(child).LeaveAction()
		}
		if req.Cancel {
			a.CancelAction()
		} else {
			a.LeaveAction()
		}

	case "web_request":
		t := p.TraceWebRequest(req.URL)
		if !t.Enabled() {
			return "", nil
		}
		t.Start().SetBytesSent(req.BytesSent).SetBytesReceived(req.BytesReceived)
		t.Stop(req.ResponseCode)
		return t.Tag(), nil
	}
	return "", nil
}

func knownOp(op string) bool {
	switch op {
	case "event", "value", "error", "crash", "identify", "action", "web_request":
		return true
	}
	return false
}

// HandleMetrics
//
// agent 상태를 나타내는 카운터 값들을 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}
