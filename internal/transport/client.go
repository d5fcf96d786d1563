// internal/transport/client.go
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"estat-beacon/internal/metrics"
	"estat-beacon/internal/pool"
	"estat-beacon/internal/response"
	"estat-beacon/internal/settings"

	"github.com/rs/zerolog"
)

const (
	maxAttempts       = 3
	retrySleep        = 200 * time.Millisecond
	maxResponseBytes  = 1 * 1024 * 1024
	clientIPHeader    = "X-Client-IP"
	responseTypeJSON  = "json"
	contentTypeBeacon = "text/plain; charset=UTF-8"
)

// 요청 구분 (로그 / metrics 용)
type requestType string

const (
	requestStatus     requestType = "status"
	requestNewSession requestType = "new_session"
	requestBeacon     requestType = "beacon"
)

// AdditionalParams 는 요청 URL 에 덧붙는 선택 파라미터.
// nil 이면 아무것도 붙지 않는다.
type AdditionalParams struct {
	// ConfigurationTimestamp 는 마지막으로 받은 서버 설정의 timestamp ("cts").
	ConfigurationTimestamp int64
}

// Client 는 beacon 백엔드와의 통신 계약이다.
//
// 세 메서드 모두 에러를 반환하지 않는다.
// 전송 예외는 최대 3회 시도 후, body 해석 실패는 즉시
// ResponseCode == UnknownErrorCode 인 응답으로 바뀐다.
type Client interface {
	SendStatusRequest(ctx context.Context, params *AdditionalParams) *StatusResponse
	SendNewSessionRequest(ctx context.Context, params *AdditionalParams) *StatusResponse
	SendBeaconRequest(ctx context.Context, clientIP string, payload []byte, params *AdditionalParams) *StatusResponse
}

// Doer 는 *http.Client 가 만족하는 최소 인터페이스. 테스트에서 교체한다.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config 는 HTTPClient 생성 값.
type Config struct {
	BaseURL       string
	ApplicationID string
	ServerID      int
}

// HTTPClient
// ------------------------------------------------------------
// Client 의 net/http 구현.
//
// URL 형식:
//
//	<base>?type=m&srvid=<id>&app=<appId>&va=<version>&pt=<platform>&tt=<agent>
//
// 여기에 status 요청은 "&resp=json[&cts=]", new session 요청은 추가로 "&ns=1",
// beacon 요청은 gzip body 와 X-Client-IP 헤더를 붙인다.
type HTTPClient struct {
	monitorURL string
	serverID   int

	doer    Doer
	encoder *Encoder
	metrics *metrics.Metrics
	log     zerolog.Logger

	// 재시도 사이 대기. 테스트에서 0 으로 바꾼다.
	retrySleep time.Duration
}

// NewHTTPClient 는 cfg 로 monitor URL 을 만든다.
// doer 가 nil 이면 http.DefaultClient 를 쓴다.
func NewHTTPClient(cfg Config, doer Doer, m *metrics.Metrics, log zerolog.Logger) *HTTPClient {
	if doer == nil {
		doer = http.DefaultClient
	}
	if m == nil {
		m = metrics.New()
	}
	return &HTTPClient{
		monitorURL: buildMonitorURL(cfg),
		serverID:   cfg.ServerID,
		doer:       doer,
		encoder:    NewEncoder(),
		metrics:    m,
		log:        log.With().Str("component", "http_client").Int("server_id", cfg.ServerID).Logger(),
		retrySleep: retrySleep,
	}
}

func buildMonitorURL(cfg Config) string {
	var sb strings.Builder
	sb.WriteString(cfg.BaseURL)
	if strings.Contains(cfg.BaseURL, "?") {
		sb.WriteByte('&')
	} else {
		sb.WriteByte('?')
	}
	sb.WriteString("type=m")
	sb.WriteString("&srvid=")
	sb.WriteString(strconv.Itoa(cfg.ServerID))
	sb.WriteString("&app=")
	sb.WriteString(url.QueryEscape(cfg.ApplicationID))
	sb.WriteString("&va=")
	sb.WriteString(url.QueryEscape(settings.OpenKitVersion))
	sb.WriteString("&pt=")
	sb.WriteString(strconv.Itoa(settings.PlatformTypeOpenKit))
	sb.WriteString("&tt=")
	sb.WriteString(settings.AgentTechnologyType)
	return sb.String()
}

// MonitorURL 은 진단용.
func (c *HTTPClient) MonitorURL() string {
	return c.monitorURL
}

// ServerID 는 이 클라이언트가 요청하는 srvid.
func (c *HTTPClient) ServerID() int {
	return c.serverID
}

func (c *HTTPClient) SendStatusRequest(ctx context.Context, params *AdditionalParams) *StatusResponse {
	atomic.AddInt64(&c.metrics.StatusRequestsTotal, 1)
	return c.sendRequest(ctx, requestStatus, c.requestURL(params, false), "", nil, http.MethodGet)
}

func (c *HTTPClient) SendNewSessionRequest(ctx context.Context, params *AdditionalParams) *StatusResponse {
	atomic.AddInt64(&c.metrics.NewSessionRequestsTotal, 1)
	return c.sendRequest(ctx, requestNewSession, c.requestURL(params, true), "", nil, http.MethodGet)
}

func (c *HTTPClient) SendBeaconRequest(ctx context.Context, clientIP string, payload []byte, params *AdditionalParams) *StatusResponse {
	atomic.AddInt64(&c.metrics.BeaconRequestsTotal, 1)

	// 재시도마다 같은 압축 결과를 다시 쓴다
	body, err := c.encoder.Compress(payload)
	if err != nil {
		c.log.Error().Err(err).Msg("gzip beacon payload failed")
		atomic.AddInt64(&c.metrics.HTTPUnknownErrorsTotal, 1)
		return UnknownError()
	}
	return c.sendRequest(ctx, requestBeacon, c.requestURL(params, false), clientIP, body, http.MethodPost)
}

func (c *HTTPClient) requestURL(params *AdditionalParams, newSession bool) string {
	var sb strings.Builder
	sb.Grow(len(c.monitorURL) + 32)
	sb.WriteString(c.monitorURL)
	sb.WriteString("&resp=")
	sb.WriteString(responseTypeJSON)
	if params != nil {
		sb.WriteString("&cts=")
		sb.WriteString(strconv.FormatInt(params.ConfigurationTimestamp, 10))
	}
	if newSession {
		sb.WriteString("&ns=1")
	}
	return sb.String()
}

// sendRequest
//
// 요청 한 건을 최대 3회 시도한다.
//  1. 전송 예외 → 200ms 쉬고 재시도
//  2. 응답 코드 >= 400 → 헤더만 담은 에러 응답 (재시도 안 함)
//  3. 응답 코드 < 400 → body 해석, 실패하면 sentinel
//
// 3회 모두 예외면 sentinel 응답을 반환한다.
func (c *HTTPClient) sendRequest(
	ctx context.Context,
	typ requestType,
	rawURL string,
	clientIP string,
	body []byte,
	method string,
) *StatusResponse {

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.do(ctx, rawURL, clientIP, body, method)
		if err == nil {
			return resp
		}

		c.log.Warn().
			Err(err).
			Str("request", string(typ)).
			Int("attempt", attempt).
			Msg("http request failed")

		if attempt == maxAttempts {
			break
		}
		atomic.AddInt64(&c.metrics.HTTPRetriesTotal, 1)
		if c.retrySleep > 0 {
			time.Sleep(c.retrySleep)
		}
	}

	c.log.Error().Str("request", string(typ)).Msg("http request failed after all attempts")
	atomic.AddInt64(&c.metrics.HTTPUnknownErrorsTotal, 1)
	return UnknownError()
}

// do 는 요청 1회. 전송 예외만 error 로 돌려준다.
func (c *HTTPClient) do(ctx context.Context, rawURL, clientIP string, body []byte, method string) (*StatusResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Content-Type", contentTypeBeacon)
	}
	if clientIP != "" {
		req.Header.Set(clientIPHeader, clientIP)
	}

	res, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= erroneousThresholdCode {
		// 에러 응답 body 는 버린다 (keep-alive 재사용을 위해 읽어서 비움)
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxResponseBytes))
		c.log.Warn().Int("status", res.StatusCode).Str("url", rawURL).Msg("erroneous http response")
		return errorResponse(res.StatusCode, res.Header), nil
	}

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, maxResponseBytes)

	if _, err := io.Copy(buf, io.LimitReader(res.Body, maxResponseBytes)); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	attrs, err := response.Parse(buf.String())
	if err != nil {
		c.log.Error().Err(err).Int("status", res.StatusCode).Msg("failed to parse server response")
		atomic.AddInt64(&c.metrics.HTTPUnknownErrorsTotal, 1)
		return UnknownError(), nil
	}

	if c.log.Debug().Enabled() {
		c.log.Debug().Int("status", res.StatusCode).Str("body", buf.String()).Msg("http response")
	}

	return &StatusResponse{
		ResponseCode: res.StatusCode,
		Headers:      res.Header,
		Attributes:   attrs,
	}, nil
}
