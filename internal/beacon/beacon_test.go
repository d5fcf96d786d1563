package beacon

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"estat-beacon/internal/cache"
	"estat-beacon/internal/metrics"
	"estat-beacon/internal/model"
	"estat-beacon/internal/response"
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

type fakeThreadID int

func (f fakeThreadID) ThreadID() int { return int(f) }

type fakeRandom struct {
	positive   int64
	percentage int
}

func (f fakeRandom) NextPositiveInt64() int64 { return f.positive }
func (f fakeRandom) NextPercentageValue() int { return f.percentage }

type recordingClient struct {
	mu        sync.Mutex
	payloads  []string
	responses []*transport.StatusResponse
}

func (c *recordingClient) SendStatusRequest(context.Context, *transport.AdditionalParams) *transport.StatusResponse {
	return transport.UnknownError()
}

func (c *recordingClient) SendNewSessionRequest(context.Context, *transport.AdditionalParams) *transport.StatusResponse {
	return transport.UnknownError()
}

func (c *recordingClient) SendBeaconRequest(_ context.Context, _ string, payload []byte, _ *transport.AdditionalParams) *transport.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
	if len(c.responses) == 0 {
		return okResponse(response.NewBuilder(response.KeyValueDefaults).Build())
	}
	r := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return r
}

func okResponse(attrs response.Attributes) *transport.StatusResponse {
	return &transport.StatusResponse{ResponseCode: http.StatusOK, Headers: http.Header{}, Attributes: attrs}
}

type fixture struct {
	beacon *Beacon
	cache  *cache.EventCache
	timing *fakeTiming
	m      *metrics.Metrics
}

func openKit() settings.OpenKit {
	return settings.OpenKit{
		EndpointURL:        "https://collector.example.com/mbeacon",
		DeviceID:           777,
		ApplicationID:      "app_id",
		ApplicationName:    "My App",
		ApplicationVersion: "1.2.3",
		OperatingSystem:    "linux",
		Manufacturer:       "acme",
		ModelID:            "m1",
		DefaultServerID:    1,
	}
}

func newFixture(t *testing.T, modify func(p *Params)) *fixture {
	t.Helper()
	m := metrics.New()
	c := cache.New(m, zerolog.Nop())
	timing := &fakeTiming{}
	timing.now.Store(1_000)

	p := Params{
		OpenKit:       openKit(),
		Privacy:       settings.NewPrivacy(model.DataCollectionUserBehavior, model.CrashReportingOptInCrashes),
		SessionNumber: 42,
		Cache:         c,
		Timing:        timing,
		ThreadID:      fakeThreadID(9),
		Random:        fakeRandom{positive: 123456, percentage: 0},
		Metrics:       m,
		Log:           zerolog.Nop(),
	}
	if modify != nil {
		modify(&p)
	}
	b, err := New(p)
	require.NoError(t, err)
	return &fixture{beacon: b, cache: c, timing: timing, m: m}
}

func (f *fixture) records() []string {
	key := f.beacon.Key()
	return append(f.cache.GetEvents(key), f.cache.GetActions(key)...)
}

// ------------------------------------------------------------
// 생성
// ------------------------------------------------------------

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrNilCache)

	c := cache.New(metrics.New(), zerolog.Nop())
	_, err = New(Params{Cache: c})
	assert.ErrorIs(t, err, ErrNilTiming)

	_, err = New(Params{Cache: c, Timing: &fakeTiming{}})
	assert.ErrorIs(t, err, ErrNilThreadID)

	_, err = New(Params{Cache: c, Timing: &fakeTiming{}, ThreadID: fakeThreadID(1)})
	assert.ErrorIs(t, err, ErrNilRandom)
}

func TestIDsAreMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, 1, f.beacon.NextID())
	assert.Equal(t, 2, f.beacon.NextID())
	assert.Equal(t, 1, f.beacon.NextSequenceNumber())
	assert.Equal(t, 2, f.beacon.NextSequenceNumber())
}

func TestPrivacyResolvesWireIdentity(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, int64(777), f.beacon.DeviceID())
	assert.Equal(t, 42, f.beacon.SessionNumber())

	f = newFixture(t, func(p *Params) {
		p.Privacy = settings.NewPrivacy(model.DataCollectionPerformance, model.CrashReportingOff)
	})
	assert.Equal(t, int64(123456), f.beacon.DeviceID())
	assert.Equal(t, 1, f.beacon.SessionNumber())
	// cache key 는 실제 번호
	assert.Equal(t, cache.Key{BeaconID: 42}, f.beacon.Key())
}

func TestInvalidClientIPIgnored(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.ClientIP = "not-an-ip" })
	assert.Equal(t, "", f.beacon.ClientIP())

	f = newFixture(t, func(p *Params) { p.ClientIP = " 203.0.113.9 " })
	assert.Equal(t, "203.0.113.9", f.beacon.ClientIP())
}

// ------------------------------------------------------------
// gating
// ------------------------------------------------------------

type reportCase struct {
	name   string
	report func(b *Beacon)
}

func allReports() []reportCase {
	s := "v"
	return []reportCase{
		{"action", func(b *Beacon) {
			b.AddAction(ActionData{ID: 1, Name: "a", StartTime: 1000, EndTime: 1100, StartSequence: 1, EndSequence: 2})
		}},
		{"int_value", func(b *Beacon) { b.ReportIntValue(1, "v", 3) }},
		{"double_value", func(b *Beacon) { b.ReportDoubleValue(1, "v", 3.5) }},
		{"string_value", func(b *Beacon) { b.ReportStringValue(1, "v", &s) }},
		{"event", func(b *Beacon) { b.ReportEvent(1, "e") }},
		{"error", func(b *Beacon) { b.ReportError(1, "e", 500) }},
		{"error_cause", func(b *Beacon) { b.ReportErrorCause(1, "e", "c", "r", "s") }},
		{"crash", func(b *Beacon) { b.ReportCrash("c", "r", "s") }},
		{"session_end", func(b *Beacon) { b.EndSession() }},
		{"identify_user", func(b *Beacon) { b.IdentifyUser("u") }},
		{"web_request", func(b *Beacon) {
			b.AddWebRequest(WebRequestData{URL: "http://x", StartTime: 1000, EndTime: 1200, BytesSent: -1, BytesReceived: -1, ResponseCode: -1})
		}},
		{"session_start", func(b *Beacon) { b.StartSession() }},
	}
}

func TestEveryReportWritesExactlyOnceWhenAllowed(t *testing.T) {
	for _, rc := range allReports() {
		t.Run(rc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rc.report(f.beacon)
			assert.Len(t, f.records(), 1)
		})
	}
}

func TestCaptureOffDropsEverything(t *testing.T) {
	for _, rc := range allReports() {
		t.Run(rc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.beacon.DisableCapture()
			rc.report(f.beacon)
			assert.Empty(t, f.records())
			assert.Equal(t, int64(1), f.m.RecordsDroppedTotal)
		})
	}
}

func TestMultiplicityZeroDropsEverything(t *testing.T) {
	for _, rc := range allReports() {
		t.Run(rc.name, func(t *testing.T) {
			f := newFixture(t, func(p *Params) {
				s := settings.DefaultServer()
				s.Multiplicity = 0
				p.Server = s
			})
			rc.report(f.beacon)
			assert.Empty(t, f.records())
		})
	}
}

func TestTrafficControlDropsEverything(t *testing.T) {
	for _, rc := range allReports() {
		t.Run(rc.name, func(t *testing.T) {
			f := newFixture(t, func(p *Params) {
				s := settings.DefaultServer()
				s.TrafficControlPercentage = 50
				p.Server = s
				p.Random = fakeRandom{percentage: 50}
			})
			rc.report(f.beacon)
			assert.Empty(t, f.records())
		})
	}
}

func TestPrivacyOffOnlySessionStartSurvives(t *testing.T) {
	for _, rc := range allReports() {
		t.Run(rc.name, func(t *testing.T) {
			f := newFixture(t, func(p *Params) {
				p.Privacy = settings.NewPrivacy(model.DataCollectionOff, model.CrashReportingOff)
			})
			rc.report(f.beacon)
			if rc.name == "session_start" {
				assert.Len(t, f.records(), 1)
			} else {
				assert.Empty(t, f.records())
			}
		})
	}
}

func TestPerformanceLevelGating(t *testing.T) {
	allowed := map[string]bool{
		"action":        true,
		"error":         true,
		"error_cause":   true,
		"session_end":   true,
		"web_request":   true,
		"session_start": true,
	}
	for _, rc := range allReports() {
		t.Run(rc.name, func(t *testing.T) {
			f := newFixture(t, func(p *Params) {
				p.Privacy = settings.NewPrivacy(model.DataCollectionPerformance, model.CrashReportingOptOutCrashes)
			})
			rc.report(f.beacon)
			if allowed[rc.name] {
				assert.Len(t, f.records(), 1)
			} else {
				assert.Empty(t, f.records())
			}
		})
	}
}

func TestServerErrorAndCrashFlags(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		s := settings.DefaultServer()
		s.ErrorReportingEnabled = false
		s.CrashReportingEnabled = false
		p.Server = s
	})

	f.beacon.ReportError(1, "e", 1)
	f.beacon.ReportErrorCause(1, "e", "c", "r", "s")
	f.beacon.ReportCrash("c", "r", "s")
	assert.Empty(t, f.records())

	f.beacon.ReportEvent(1, "still allowed")
	assert.Len(t, f.records(), 1)
}

// ------------------------------------------------------------
// 레코드 내용
// ------------------------------------------------------------

func TestActionRecordUsesOffsets(t *testing.T) {
	f := newFixture(t, nil)

	f.beacon.AddAction(ActionData{ID: 3, ParentID: 1, Name: "load", StartSequence: 4, StartTime: 1_500, EndSequence: 7, EndTime: 2_250})

	assert.Equal(t,
		[]string{"et=1&na=load&it=9&ca=3&pa=1&s0=4&t0=500&s1=7&t1=750"},
		f.cache.GetActions(f.beacon.Key()))
}

func TestSessionStartAndEndRecords(t *testing.T) {
	f := newFixture(t, nil)

	f.beacon.StartSession()
	f.timing.now.Store(4_000)
	f.beacon.EndSession()

	assert.Equal(t,
		[]string{"et=18&it=9&pa=0&s0=1&t0=0", "et=19&it=9&pa=0&s0=2&t0=3000"},
		f.cache.GetEvents(f.beacon.Key()))
}

// ------------------------------------------------------------
// tag
// ------------------------------------------------------------

func TestCreateTag(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "MT_3_1_777_42_app%5Fid_5_9_17", f.beacon.CreateTag(5, 17))

	s := settings.DefaultServer()
	s.ServerID = 8
	s.VisitStoreVersion = 2
	f = newFixture(t, func(p *Params) {
		p.Server = s
		p.SessionSequence = 3
	})
	assert.Equal(t, "MT_3_8_777_42-3_app%5Fid_5_9_17", f.beacon.CreateTag(5, 17))
}

func TestCreateTagEmptyIffTracingDisallowed(t *testing.T) {
	levels := []model.DataCollectionLevel{
		model.DataCollectionOff,
		model.DataCollectionPerformance,
		model.DataCollectionUserBehavior,
	}
	for _, dl := range levels {
		f := newFixture(t, func(p *Params) {
			p.Privacy = settings.NewPrivacy(dl, model.CrashReportingOff)
		})
		for _, ids := range [][2]int{{0, 0}, {1, 1}, {99, 12345}} {
			tag := f.beacon.CreateTag(ids[0], ids[1])
			assert.Equal(t, !f.beacon.Privacy().IsWebRequestTracingAllowed(), tag == "", "level %d", dl)
		}
	}
}

// ------------------------------------------------------------
// prefix / send
// ------------------------------------------------------------

func TestPrefixKeyOrder(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.ClientIP = "203.0.113.1" })
	f.timing.now.Store(5_000)

	assert.Equal(t,
		"vv=3&va=8.0.0000&ap=app%5Fid&an=My%20App&vn=1.2.3&pt=1&tt=okgo&vi=777&sn=42"+
			"&ip=203.0.113.1&os=linux&mf=acme&md=m1&dl=2&cl=2&tx=5000&tv=1000&mp=1",
		f.beacon.Prefix())
}

func TestPrefixVisitStore(t *testing.T) {
	s := settings.DefaultServer()
	s.VisitStoreVersion = 2
	f := newFixture(t, func(p *Params) {
		p.Server = s
		p.SessionSequence = 4
	})
	assert.True(t, strings.HasSuffix(f.beacon.Prefix(), "&mp=1&vs=2&ss=4"))
}

func TestSendNothingReturnsNil(t *testing.T) {
	f := newFixture(t, nil)
	client := &recordingClient{}

	assert.Nil(t, f.beacon.Send(context.Background(), client, nil))
	assert.Empty(t, client.payloads)
}

func TestSendSuccessConsumesCache(t *testing.T) {
	f := newFixture(t, nil)
	client := &recordingClient{}

	f.beacon.StartSession()
	f.beacon.ReportEvent(0, "click")

	resp := f.beacon.Send(context.Background(), client, nil)

	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.ResponseCode)
	require.Len(t, client.payloads, 1)
	assert.True(t, strings.HasPrefix(client.payloads[0], "vv=3&"))
	assert.True(t, strings.HasSuffix(client.payloads[0], "&et=18&it=9&pa=0&s0=1&t0=0&et=10&na=click&it=9&pa=0&s0=2&t0=0"))
	assert.True(t, f.beacon.IsEmpty())
	assert.Equal(t, int64(1), f.m.BeaconChunksSentTotal)
}

func TestSendSplitsIntoChunks(t *testing.T) {
	s := settings.DefaultServer()
	s.BeaconSizeInBytes = 1024 + 400
	f := newFixture(t, func(p *Params) { p.Server = s })
	client := &recordingClient{}

	for i := 0; i < 20; i++ {
		f.beacon.ReportEvent(0, strings.Repeat("x", 40))
	}

	f.beacon.Send(context.Background(), client, nil)

	assert.Greater(t, len(client.payloads), 1)
	total := 0
	for _, p := range client.payloads {
		assert.True(t, strings.HasPrefix(p, "vv=3&"))
		total += strings.Count(p, "et=10")
	}
	assert.Equal(t, 20, total)
	assert.True(t, f.beacon.IsEmpty())
}

func TestSendFailureKeepsData(t *testing.T) {
	f := newFixture(t, nil)
	client := &recordingClient{responses: []*transport.StatusResponse{transport.UnknownError()}}

	f.beacon.ReportEvent(0, "a")
	f.beacon.ReportEvent(0, "b")

	resp := f.beacon.Send(context.Background(), client, nil)

	assert.Equal(t, transport.UnknownErrorCode, resp.ResponseCode)
	assert.Len(t, f.cache.GetEvents(f.beacon.Key()), 2)
	assert.False(t, f.beacon.IsEmpty())
	assert.Equal(t, int64(1), f.m.BeaconChunksRequeuedTotal)

	// 다음 전송에서 같은 데이터를 다시 보낸다
	client.responses = nil
	f.beacon.Send(context.Background(), client, nil)
	require.Len(t, client.payloads, 2)
	assert.Equal(t, strings.SplitN(client.payloads[0], "&et=", 2)[1], strings.SplitN(client.payloads[1], "&et=", 2)[1])
	assert.True(t, f.beacon.IsEmpty())
}

func mustParse(t *testing.T, body string) response.Attributes {
	t.Helper()
	attrs, err := response.Parse(body)
	require.NoError(t, err)
	return attrs
}

func TestSendMergesResponseIntoConfiguration(t *testing.T) {
	tests := []struct {
		name  string
		attrs func(t *testing.T) response.Attributes
		check func(t *testing.T, server *settings.Server)
		// 응답을 합친 뒤 다시 보고한 레코드가 기록되는지
		recordsAfter bool
		// 두 번째 Send 가 만드는 payload 수
		payloadsAfter int
	}{
		{
			name: "capture off keeps multiplicity and server id",
			attrs: func(*testing.T) response.Attributes {
				return response.NewBuilder(response.KeyValueDefaults).
					WithCapture(false).
					WithMultiplicity(9).
					WithServerID(99).
					Build()
			},
			check: func(t *testing.T, server *settings.Server) {
				assert.False(t, server.CaptureEnabled)
				// 응답에 없던 항목은 유지
				assert.Equal(t, 150*1024, server.BeaconSizeInBytes)
				// multiplicity / server id 는 세션 동안 유지
				assert.Equal(t, 3, server.Multiplicity)
				assert.Equal(t, 7, server.ServerID)
			},
			recordsAfter:  false,
			payloadsAfter: 0,
		},
		{
			name:  "multiplicity zero is ignored mid session",
			attrs: func(t *testing.T) response.Attributes { return mustParse(t, "type=m&mp=0") },
			check: func(t *testing.T, server *settings.Server) {
				assert.Equal(t, 3, server.Multiplicity)
				assert.True(t, server.CaptureEnabled)
			},
			recordsAfter:  true,
			payloadsAfter: 1,
		},
		{
			name:  "beacon size zero from key-value response",
			attrs: func(t *testing.T) response.Attributes { return mustParse(t, "type=m&bl=0") },
			check: func(t *testing.T, server *settings.Server) {
				assert.Equal(t, 0, server.BeaconSizeInBytes)
			},
			recordsAfter:  true,
			payloadsAfter: 2,
		},
		{
			name:  "beacon size zero from json response",
			attrs: func(t *testing.T) response.Attributes { return mustParse(t, `{"agentConfig":{"maxBeaconSizeKb":0}}`) },
			check: func(t *testing.T, server *settings.Server) {
				assert.Equal(t, 0, server.BeaconSizeInBytes)
			},
			recordsAfter:  true,
			payloadsAfter: 2,
		},
		{
			name: "beacon size below prefix reserve",
			attrs: func(*testing.T) response.Attributes {
				return response.NewBuilder(response.KeyValueDefaults).WithMaxBeaconSizeInBytes(100).Build()
			},
			check: func(t *testing.T, server *settings.Server) {
				assert.Equal(t, 100, server.BeaconSizeInBytes)
			},
			recordsAfter:  true,
			payloadsAfter: 2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			initial := settings.ServerFrom(response.NewBuilder(response.JSONDefaults).WithMultiplicity(3).WithServerID(7).Build())
			f.beacon.InitializeServerConfiguration(initial)

			var updates atomic.Int32
			f.beacon.SetServerConfigUpdateCallback(func(*settings.Server) { updates.Add(1) })

			client := &recordingClient{responses: []*transport.StatusResponse{okResponse(tc.attrs(t))}}

			f.beacon.ReportEvent(0, "a")
			f.beacon.ReportEvent(0, "b")
			require.NotPanics(t, func() { f.beacon.Send(context.Background(), client, nil) })

			require.Len(t, client.payloads, 1)
			assert.True(t, f.beacon.IsEmpty())
			assert.Equal(t, int32(1), updates.Load())
			tc.check(t, f.beacon.ServerConfiguration())

			// 바뀐 설정으로 다시 보고하고 보낸다
			f.beacon.ReportEvent(0, "c")
			f.beacon.ReportIntValue(0, "d", 1)
			assert.Equal(t, tc.recordsAfter, len(f.records()) > 0)

			require.NotPanics(t, func() { f.beacon.Send(context.Background(), client, nil) })
			assert.Len(t, client.payloads, 1+tc.payloadsAfter)
			assert.True(t, f.beacon.IsEmpty())
		})
	}
}

func TestInitializeServerConfigurationOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.beacon.IsServerConfigurationSet())

	first := settings.DefaultServer()
	first.Multiplicity = 2
	f.beacon.InitializeServerConfiguration(first)

	second := settings.DefaultServer()
	second.Multiplicity = 5
	f.beacon.InitializeServerConfiguration(second)

	assert.True(t, f.beacon.IsServerConfigurationSet())
	assert.Equal(t, 2, f.beacon.ServerConfiguration().Multiplicity)
}

func TestUpdateServerConfigurationKeepsMultiplicity(t *testing.T) {
	f := newFixture(t, nil)

	first := settings.DefaultServer()
	first.Multiplicity = 2
	f.beacon.UpdateServerConfiguration(first)

	second := settings.DefaultServer()
	second.Multiplicity = 5
	second.MaxEventsPerSession = 10
	f.beacon.UpdateServerConfiguration(second)

	assert.Equal(t, 2, f.beacon.ServerConfiguration().Multiplicity)
	assert.Equal(t, 10, f.beacon.ServerConfiguration().MaxEventsPerSession)
}

func TestConfigSlotConcurrentReaders(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := f.beacon.ServerConfiguration()
				// 스냅샷은 항상 완성된 값이어야 한다
				if s.BeaconSizeInBytes == 4096 {
					assert.Equal(t, 77, s.MaxEventsPerSession)
				}
				f.beacon.ReportEvent(0, "e")
			}
		}()
	}

	for i := 0; i < 200; i++ {
		s := settings.DefaultServer()
		if i%2 == 0 {
			s.BeaconSizeInBytes = 4096
			s.MaxEventsPerSession = 77
		}
		f.beacon.UpdateServerConfiguration(s)
	}
	close(stop)
	wg.Wait()
}

func TestClearData(t *testing.T) {
	f := newFixture(t, nil)
	f.beacon.ReportEvent(0, "e")
	f.beacon.ClearData()
	assert.True(t, f.beacon.IsEmpty())
}
