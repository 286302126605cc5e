package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wewb/internal/config"
	"wewb/internal/engine"
	"wewb/internal/environment"
	"wewb/internal/session"
	"wewb/internal/testsupport"
	"wewb/internal/transport"
)

var failTransient = transport.TransientError{StatusCode: 503}

const chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

func testPage() environment.PageContext {
	return environment.PageContext{
		URL:              "https://example.com/pricing",
		Title:            "Pricing",
		Referrer:         "https://google.com",
		UserAgent:        chromeWindowsUA,
		Language:         "en-US",
		Timezone:         "UTC",
		ScreenResolution: "1920x1080",
	}
}

func testConfig() config.Config {
	return config.Config{
		ProjectID:      "proj-1",
		IngestURL:      "https://collect.example.com/track",
		FlushInterval:  time.Hour,
		DebounceWindow: 10 * time.Millisecond,
		RequestTimeout: time.Minute,
	}
}

func newTestEngine(t *testing.T, sender *testsupport.FakeTransport, adjust func(*engine.Options)) (*engine.Engine, *testsupport.FakeClock) {
	t.Helper()

	clock := testsupport.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	opts := engine.Options{
		Transport: sender,
		Clock:     clock,
		Logger:    testsupport.GetLogger(),
	}
	if adjust != nil {
		adjust(&opts)
	}
	return engine.New(testPage(), opts), clock
}

func TestEngineLifecycle(t *testing.T) {
	sender := testsupport.NewFakeTransport()
	eng, clock := newTestEngine(t, sender, nil)

	require.NoError(t, eng.Register(testConfig()))
	require.NotEmpty(t, eng.SessionID())

	eng.Record(session.EventTypeView, map[string]any{"pageUrl": "/pricing"})
	clock.Advance(time.Second)
	eng.Record(session.EventTypeClick, map[string]any{"element": "cta"})
	eng.UpdateScrollDepth(55)
	eng.MarkSectionVisible("plans")
	eng.MarkSectionVisible("plans")

	clock.Advance(time.Second)
	eng.Close()

	require.Equal(t, 1, sender.SentCount())
	payload := testsupport.DecodePayload(t, sender.SentPayloads()[0])

	assert.Equal(t, "session", payload.Type)
	assert.Equal(t, "proj-1", payload.ProjectID)
	assert.Equal(t, "https://example.com/pricing", payload.Data.PageURL)
	assert.Equal(t, "Pricing", payload.Data.PageTitle)
	assert.Equal(t, "https://google.com", payload.Data.Referrer)
	assert.Equal(t, []string{"view", "click", "leave"}, testsupport.EventTypes(payload))
	assert.Equal(t, 55, payload.Data.Metrics.ScrollDepth)
	assert.Equal(t, 2, payload.Data.Metrics.VisibleSections["plans"])

	assert.Equal(t, "Chrome", payload.UserEnvInfo["browserName"])
	assert.Equal(t, "Windows", payload.UserEnvInfo["osName"])
	assert.NotEmpty(t, payload.UserEnvInfo["uid"])

	stats := eng.Stats()
	assert.Equal(t, int64(1), stats.SentPayloads)
	assert.Equal(t, int64(3), stats.SentEvents)
}

func TestRegisterIsIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t, testsupport.NewFakeTransport(), nil)

	require.NoError(t, eng.Register(testConfig()))
	sessionID := eng.SessionID()
	require.NotEmpty(t, sessionID)

	require.NoError(t, eng.Register(testConfig()))
	assert.Equal(t, sessionID, eng.SessionID())
}

func TestRegisterInvalidConfigLeavesEngineInert(t *testing.T) {
	sender := testsupport.NewFakeTransport()
	eng, _ := newTestEngine(t, sender, nil)

	cfg := testConfig()
	cfg.ProjectID = ""
	err := eng.Register(cfg)

	var invalid *config.InvalidError
	require.True(t, errors.As(err, &invalid))
	assert.Empty(t, eng.SessionID())

	// An inert engine absorbs every call without effect.
	eng.Record(session.EventTypeView, nil)
	eng.UpdateScrollDepth(50)
	eng.Flush()
	eng.Close()
	assert.Equal(t, 0, sender.SentCount())
}

func TestRecordBeforeRegisterIsDropped(t *testing.T) {
	sender := testsupport.NewFakeTransport()
	eng, _ := newTestEngine(t, sender, nil)

	eng.Record(session.EventTypeView, nil)

	require.NoError(t, eng.Register(testConfig()))
	eng.Close()

	require.Equal(t, 1, sender.SentCount())
	payload := testsupport.DecodePayload(t, sender.SentPayloads()[0])
	assert.Equal(t, []string{"leave"}, testsupport.EventTypes(payload))
}

func TestSampledOutSessionSendsNothing(t *testing.T) {
	sender := testsupport.NewFakeTransport()
	eng, clock := newTestEngine(t, sender, nil)

	cfg := testConfig()
	cfg.UploadPercent = config.Float(0)
	require.NoError(t, eng.Register(cfg))

	eng.Record(session.EventTypeView, nil)
	clock.Advance(time.Second)
	eng.Record(session.EventTypeClick, nil)
	clock.Advance(time.Second)
	eng.Close()

	assert.Equal(t, 0, sender.SentCount())
	assert.Equal(t, int64(3), eng.Stats().DroppedEvents)
}

func TestCommonParamsMergeIntoPayload(t *testing.T) {
	sender := testsupport.NewFakeTransport()
	eng, _ := newTestEngine(t, sender, nil)

	require.NoError(t, eng.Register(testConfig()))
	eng.AddCommonParams(map[string]any{"appVersion": "1.4.2", "channel": "web"})
	eng.AddCommonParams(map[string]any{
		"channel": "beta",                 // last write wins
		"pageUrl": "https://evil.example", // reserved, must not override
	})
	eng.Close()

	require.Equal(t, 1, sender.SentCount())
	payload := testsupport.DecodePayload(t, sender.SentPayloads()[0])

	data, ok := payload.Raw["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.4.2", data["appVersion"])
	assert.Equal(t, "beta", data["channel"])
	assert.Equal(t, "https://example.com/pricing", data["pageUrl"])
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	sender := testsupport.NewFakeTransport()
	eng, clock := newTestEngine(t, sender, nil)

	require.NoError(t, eng.Register(testConfig()))
	eng.Record(session.EventTypeView, nil)
	clock.Advance(time.Second)
	eng.Close()
	require.Equal(t, 1, sender.SentCount())

	eng.Record(session.EventTypeClick, nil)
	eng.UpdateScrollDepth(90)
	eng.Flush()

	assert.Equal(t, 1, sender.SentCount())
	assert.Equal(t, int64(2), eng.Stats().SentEvents)
}

func TestCloseIsIdempotent(t *testing.T) {
	sender := testsupport.NewFakeTransport()
	eng, _ := newTestEngine(t, sender, nil)

	require.NoError(t, eng.Register(testConfig()))
	eng.Close()
	eng.Close()

	assert.Equal(t, 1, sender.SentCount())
}

func TestFinalFlushSpoolsToStore(t *testing.T) {
	st := testsupport.SetupTestStore(t)
	// Every send fails transient: the closing flush spools, and the spool
	// drain that runs on registration re-spools whatever it picks up.
	sender := testsupport.NewFakeTransport(&failTransient, &failTransient)
	eng, _ := newTestEngine(t, sender, func(opts *engine.Options) {
		opts.Store = st
	})

	require.NoError(t, eng.Register(testConfig()))
	eng.Record(session.EventTypeView, nil)
	eng.Close()

	require.GreaterOrEqual(t, sender.SentCount(), 1)
	require.Eventually(t, func() bool {
		count, err := st.SpoolCount()
		return err == nil && count == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSpooledPayloadsDrainOnRegister(t *testing.T) {
	st := testsupport.SetupTestStore(t)
	require.NoError(t, st.SpoolPayload([]byte(`{"type":"session","projectId":"proj-1","data":{"events":[]}}`)))

	sender := testsupport.NewFakeTransport()
	eng, _ := newTestEngine(t, sender, func(opts *engine.Options) {
		opts.Store = st
	})
	require.NoError(t, eng.Register(testConfig()))

	require.Eventually(t, func() bool {
		return sender.SentCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	count, err := st.SpoolCount()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestIdentityStableAcrossEngines(t *testing.T) {
	st := testsupport.SetupTestStore(t)

	uid := func() any {
		sender := testsupport.NewFakeTransport()
		eng, _ := newTestEngine(t, sender, func(opts *engine.Options) {
			opts.Store = st
		})
		require.NoError(t, eng.Register(testConfig()))
		eng.Close()
		require.Equal(t, 1, sender.SentCount())
		payload := testsupport.DecodePayload(t, sender.SentPayloads()[0])
		return payload.UserEnvInfo["uid"]
	}

	first := uid()
	second := uid()
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestSessionIDsDifferAcrossEngines(t *testing.T) {
	a, _ := newTestEngine(t, testsupport.NewFakeTransport(), nil)
	b, _ := newTestEngine(t, testsupport.NewFakeTransport(), nil)
	require.NoError(t, a.Register(testConfig()))
	require.NoError(t, b.Register(testConfig()))

	assert.NotEqual(t, a.SessionID(), b.SessionID())
}
