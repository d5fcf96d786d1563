package worker

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"estat-beacon/internal/cache"
	"estat-beacon/internal/metrics"
	"estat-beacon/internal/model"
	"estat-beacon/internal/provider"
	"estat-beacon/internal/response"
	"estat-beacon/internal/session"
	"estat-beacon/internal/settings"
	"estat-beacon/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ------------------------------------------------------------
// fakes
// ------------------------------------------------------------

type fakeTiming struct{ now atomic.Int64 }

func (f *fakeTiming) NowMillis() int64 { return f.now.Load() }

type zeroRandom struct{}

func (zeroRandom) NextPositiveInt64() int64 { return 11 }
func (zeroRandom) NextPercentageValue() int { return 0 }

// fakeClient 는 응답 큐를 순서대로 돌려준다. 마지막 응답은 계속 반복된다.
type fakeClient struct {
	mu sync.Mutex

	status     []*transport.StatusResponse
	newSession []*transport.StatusResponse
	beacon     []*transport.StatusResponse

	statusCalls     int
	newSessionCalls int
	payloads        []string
}

func next(queue *[]*transport.StatusResponse) *transport.StatusResponse {
	q := *queue
	if len(q) == 0 {
		return &transport.StatusResponse{ResponseCode: 200, Headers: http.Header{}, Attributes: response.UndefinedDefaults}
	}
	resp := q[0]
	if len(q) > 1 {
		*queue = q[1:]
	}
	return resp
}

func (c *fakeClient) SendStatusRequest(context.Context, *transport.AdditionalParams) *transport.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCalls++
	return next(&c.status)
}

func (c *fakeClient) SendNewSessionRequest(context.Context, *transport.AdditionalParams) *transport.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newSessionCalls++
	return next(&c.newSession)
}

func (c *fakeClient) SendBeaconRequest(_ context.Context, _ string, payload []byte, _ *transport.AdditionalParams) *transport.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
	return next(&c.beacon)
}

type fakeClients struct {
	client *fakeClient

	mu  sync.Mutex
	ids []int
}

func (p *fakeClients) Client(serverID int) transport.Client {
	p.mu.Lock()
	p.ids = append(p.ids, serverID)
	p.mu.Unlock()
	return p.client
}

func okResponse(t *testing.T, body string) *transport.StatusResponse {
	t.Helper()
	attrs, err := response.ParseKeyValue(body)
	require.NoError(t, err)
	return &transport.StatusResponse{ResponseCode: 200, Headers: http.Header{}, Attributes: attrs}
}

func tooManyRequests(retryAfter string) *transport.StatusResponse {
	return &transport.StatusResponse{
		ResponseCode: http.StatusTooManyRequests,
		Headers:      http.Header{"Retry-After": []string{retryAfter}},
		Attributes:   response.UndefinedDefaults,
	}
}

// ------------------------------------------------------------
// 테스트 환경
// ------------------------------------------------------------

type senderEnv struct {
	client   *fakeClient
	clients  *fakeClients
	registry *session.Registry
	timing   *fakeTiming
	cache    *cache.EventCache
	creator  *session.DefaultCreator
	sender   *Sender

	mu     sync.Mutex
	sleeps []time.Duration
}

func newSenderEnv(t *testing.T) *senderEnv {
	t.Helper()
	m := metrics.New()
	timing := &fakeTiming{}
	timing.now.Store(10_000)

	client := &fakeClient{}
	env := &senderEnv{
		client:   client,
		clients:  &fakeClients{client: client},
		registry: session.NewRegistry(),
		timing:   timing,
		cache:    cache.New(m, zerolog.Nop()),
	}

	creator, err := session.NewCreator(session.Deps{
		OpenKit: settings.OpenKit{ApplicationID: "app", DeviceID: 7, DefaultServerID: 1},
		Privacy: settings.NewPrivacy(model.DataCollectionUserBehavior, model.CrashReportingOptInCrashes),

		Cache:      env.cache,
		Timing:     timing,
		ThreadID:   provider.ProcessThreadID{},
		Random:     zeroRandom{},
		SessionIDs: provider.NewSequentialSessionID(zeroRandom{}),
		Registry:   env.registry,
		Metrics:    m,
		Log:        zerolog.Nop(),
	}, "")
	require.NoError(t, err)
	env.creator = creator

	cfg := DefaultSenderConfig()
	cfg.StatusRetries = 2
	env.sender = NewSender(cfg, env.clients, env.registry, timing, 1, m, zerolog.Nop())
	env.sender.sleep = func(ctx context.Context, d time.Duration) bool {
		env.mu.Lock()
		env.sleeps = append(env.sleeps, d)
		env.mu.Unlock()
		return ctx.Err() == nil
	}
	return env
}

func (e *senderEnv) newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := e.creator.CreateSession()
	require.NoError(t, err)
	return s
}

func (e *senderEnv) recordedSleeps() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.sleeps...)
}

// ------------------------------------------------------------
// Init
// ------------------------------------------------------------

func TestSenderInitSuccessEntersCaptureOn(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1&id=3&si=30")}

	e.sender.Step(context.Background())

	assert.Equal(t, StateCaptureOn, e.sender.State())
	assert.True(t, e.sender.WaitForInit(context.Background()))
	assert.Equal(t, 3, e.sender.ServerConfiguration().ServerID)
	assert.Equal(t, 30_000, e.sender.ServerConfiguration().SendIntervalMillis)
	assert.Equal(t, []int{1}, e.clients.ids)

	// 이후 요청은 서버가 준 id 로 나간다
	e.newSession(t)
	e.sender.Step(context.Background())
	assert.Equal(t, 1, e.client.newSessionCalls)
	assert.Contains(t, e.clients.ids, 3)
}

func TestSenderInitRetriesWithDoublingSleep(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{
		transport.UnknownError(),
		transport.UnknownError(),
		okResponse(t, "type=m&cp=1"),
	}

	e.sender.Step(context.Background())

	assert.Equal(t, StateCaptureOn, e.sender.State())
	assert.Equal(t, 3, e.client.statusCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, e.recordedSleeps())
}

func TestSenderInitFallsBackToReinitDelays(t *testing.T) {
	e := newSenderEnv(t)
	e.sender.cfg.StatusRetries = 1
	e.client.status = []*transport.StatusResponse{transport.UnknownError()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	e.sender.sleep = func(_ context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		if len(sleeps) == 4 {
			cancel()
			return false
		}
		return true
	}

	e.sender.Step(ctx)

	assert.Equal(t, []time.Duration{time.Second, time.Minute, time.Second, 5 * time.Minute}, sleeps)
	assert.Equal(t, StateTerminal, e.sender.State())
	assert.False(t, e.sender.WaitForInit(context.Background()))
}

func TestSenderInitHonoursRetryAfter(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{
		tooManyRequests("30"),
		okResponse(t, "type=m&cp=1"),
	}

	e.sender.Step(context.Background())

	assert.Equal(t, StateCaptureOn, e.sender.State())
	assert.Equal(t, []time.Duration{30 * time.Second}, e.recordedSleeps())
}

func TestSenderInitWithCaptureOffClearsSessions(t *testing.T) {
	e := newSenderEnv(t)
	s := e.newSession(t)
	s.ReportEvent("clicked")
	require.False(t, s.IsEmpty())

	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=0")}
	e.sender.Step(context.Background())
	assert.Equal(t, StateCaptureOff, e.sender.State())

	// CaptureOff 한 바퀴: 데이터를 버리고 status 를 다시 묻는다
	e.sender.Step(context.Background())
	assert.True(t, s.IsEmpty())
	assert.Equal(t, 2, e.client.statusCalls)
	assert.Equal(t, StateCaptureOff, e.sender.State())
}

func TestSenderCaptureOffReturnsToCaptureOn(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{
		okResponse(t, "type=m&cp=0"),
		okResponse(t, "type=m&cp=1"),
	}

	e.sender.Step(context.Background())
	require.Equal(t, StateCaptureOff, e.sender.State())

	e.sender.Step(context.Background())
	assert.Equal(t, StateCaptureOn, e.sender.State())
	// 마지막 status 확인 이후 status check interval 만큼 기다린다
	assert.Equal(t, []time.Duration{2 * time.Hour}, e.recordedSleeps())
}

// ------------------------------------------------------------
// CaptureOn
// ------------------------------------------------------------

func TestSenderConfiguresAndSendsFinishedSessions(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1&id=4")}
	e.client.newSession = []*transport.StatusResponse{okResponse(t, "type=m&mp=2")}

	s := e.newSession(t)
	s.EnterAction("checkout").LeaveAction()
	s.End()

	ctx := context.Background()
	e.sender.Step(ctx) // init
	e.sender.Step(ctx) // capture on

	assert.Equal(t, 1, e.client.newSessionCalls)
	assert.True(t, s.IsConfigured())
	assert.Equal(t, 2, s.Beacon().ServerConfiguration().Multiplicity)
	assert.Equal(t, 4, s.Beacon().ServerConfiguration().ServerID)

	require.Len(t, e.client.payloads, 1)
	assert.Contains(t, e.client.payloads[0], "&mp=2")
	assert.Contains(t, e.client.payloads[0], "na=checkout")
	assert.Contains(t, e.client.payloads[0], "et=19&")
	assert.Zero(t, e.registry.Len())
	assert.True(t, s.IsEmpty())
}

func TestSenderSendsOpenSessionsEachSendInterval(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1&si=60")}

	s := e.newSession(t)
	s.InitializeServerConfiguration(settings.DefaultServer())
	s.ReportEvent("first")

	ctx := context.Background()
	e.sender.Step(ctx)
	e.sender.Step(ctx)
	assert.Empty(t, e.client.payloads)

	e.timing.now.Add(60_000)
	e.sender.Step(ctx)
	require.Len(t, e.client.payloads, 1)
	assert.Contains(t, e.client.payloads[0], "na=first")
	assert.Equal(t, 1, e.registry.Len())

	// 같은 interval 안에서는 다시 보내지 않는다
	s.ReportEvent("second")
	e.sender.Step(ctx)
	assert.Len(t, e.client.payloads, 1)
}

func TestSenderDisablesSessionAfterNewSessionBudget(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1")}
	e.client.newSession = []*transport.StatusResponse{transport.UnknownError()}

	s := e.newSession(t)
	ctx := context.Background()
	e.sender.Step(ctx)

	for i := 0; i < 4; i++ {
		e.sender.Step(ctx)
		assert.False(t, s.IsConfigured())
	}
	assert.Equal(t, 4, e.client.newSessionCalls)

	e.sender.Step(ctx)
	assert.Equal(t, 4, e.client.newSessionCalls)
	assert.True(t, s.IsConfigured())
	assert.Equal(t, 0, s.Beacon().ServerConfiguration().Multiplicity)
	assert.False(t, s.IsDataSendingAllowed())
}

func TestSenderTooManyRequestsPausesCapture(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1")}
	e.client.newSession = []*transport.StatusResponse{tooManyRequests("5")}
	e.newSession(t)

	ctx := context.Background()
	e.sender.Step(ctx)
	e.sender.Step(ctx)
	assert.Equal(t, StateCaptureOff, e.sender.State())

	e.sender.Step(ctx)
	sleeps := e.recordedSleeps()
	assert.Equal(t, 5*time.Second, sleeps[len(sleeps)-1])
	assert.Equal(t, StateCaptureOn, e.sender.State())
}

func TestSenderFinishedSessionKeptWhenSendFails(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1")}
	e.client.beacon = []*transport.StatusResponse{transport.UnknownError(), okResponse(t, "type=m")}

	s := e.newSession(t)
	s.InitializeServerConfiguration(settings.DefaultServer())
	s.ReportEvent("kept")
	s.End()

	ctx := context.Background()
	e.sender.Step(ctx)
	e.sender.Step(ctx)
	assert.Equal(t, 1, e.registry.Len())
	assert.False(t, s.IsEmpty())

	e.sender.Step(ctx)
	assert.Zero(t, e.registry.Len())
	require.Len(t, e.client.payloads, 2)
	assert.Equal(t, e.client.payloads[0], e.client.payloads[1])
}

// ------------------------------------------------------------
// Flush / Run
// ------------------------------------------------------------

func TestSenderFlushEndsAndSendsAllSessions(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1&mp=3")}
	e.sender.Step(context.Background())

	unconfigured := e.newSession(t)
	unconfigured.ReportEvent("pending")
	open := e.newSession(t)
	open.InitializeServerConfiguration(settings.DefaultServer())
	open.EnterAction("still open")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.sender.Step(ctx)
	require.Equal(t, StateFlush, e.sender.State())

	e.sender.Step(ctx)

	assert.Equal(t, StateTerminal, e.sender.State())
	assert.True(t, unconfigured.IsFinished())
	assert.True(t, open.IsFinished())
	assert.Zero(t, e.registry.Len())
	require.Len(t, e.client.payloads, 2)

	joined := strings.Join(e.client.payloads, "\n")
	assert.Contains(t, joined, "na=pending")
	assert.Contains(t, joined, "na=still%20open")
	assert.Contains(t, e.client.payloads[0], "&mp=3")
}

func TestSenderFlushStopsSendingAfterTooManyRequests(t *testing.T) {
	e := newSenderEnv(t)
	e.client.status = []*transport.StatusResponse{okResponse(t, "type=m&cp=1")}
	e.client.beacon = []*transport.StatusResponse{tooManyRequests("60")}
	e.sender.Step(context.Background())

	for i := 0; i < 3; i++ {
		s := e.newSession(t)
		s.InitializeServerConfiguration(settings.DefaultServer())
		s.ReportEvent("e")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.sender.Step(ctx)
	e.sender.Step(ctx)

	assert.Equal(t, StateTerminal, e.sender.State())
	assert.Len(t, e.client.payloads, 1)
	assert.Zero(t, e.registry.Len())
}

func TestSenderRunReturnsWhenContextCancelled(t *testing.T) {
	e := newSenderEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		e.sender.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop")
	}
	assert.Equal(t, StateTerminal, e.sender.State())
	assert.False(t, e.sender.WaitForInit(context.Background()))
}

func TestSenderStateString(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "capture_on", StateCaptureOn.String())
	assert.Equal(t, "capture_off", StateCaptureOff.String())
	assert.Equal(t, "flush", StateFlush.String())
	assert.Equal(t, "terminal", StateTerminal.String())
	assert.Equal(t, "unknown", SenderState(42).String())
}
