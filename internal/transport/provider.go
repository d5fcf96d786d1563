// internal/transport/provider.go
package transport

import (
	"sync"

	"estat-beacon/internal/metrics"

	"github.com/rs/zerolog"
)

// ClientProvider 는 server id 별 Client 를 돌려준다.
// 서버가 응답으로 server id 를 바꾸면 이후 요청은 새 id 로 나간다.
type ClientProvider interface {
	Client(serverID int) Client
}

// HTTPClientProvider 는 server id 별 HTTPClient 를 한 번만 만들어 재사용한다.
type HTTPClientProvider struct {
	baseURL       string
	applicationID string
	doer          Doer
	metrics       *metrics.Metrics
	log           zerolog.Logger

	mu      sync.Mutex
	clients map[int]*HTTPClient
}

func NewHTTPClientProvider(baseURL, applicationID string, doer Doer, m *metrics.Metrics, log zerolog.Logger) *HTTPClientProvider {
	return &HTTPClientProvider{
		baseURL:       baseURL,
		applicationID: applicationID,
		doer:          doer,
		metrics:       m,
		log:           log,
		clients:       make(map[int]*HTTPClient),
	}
}

func (p *HTTPClientProvider) Client(serverID int) Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[serverID]; ok {
		return c
	}
	c := NewHTTPClient(Config{
		BaseURL:       p.baseURL,
		ApplicationID: p.applicationID,
		ServerID:      serverID,
	}, p.doer, p.metrics, p.log)
	p.clients[serverID] = c
	return c
}
