package ingest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wewb/internal/ingest"
	"wewb/internal/session"
	"wewb/internal/testsupport"
)

func newRecorder(t *testing.T, window time.Duration, onTerminal func()) (*ingest.Recorder, *session.Session, *testsupport.FakeClock) {
	t.Helper()

	clock := testsupport.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	sess := session.Open("https://example.com/page", "Page", "", clock.Now())
	recorder := ingest.NewRecorder(sess, window, clock, testsupport.GetLogger(), onTerminal)
	return recorder, sess, clock
}

func TestRecordAppendsWithTimestamp(t *testing.T) {
	recorder, sess, clock := newRecorder(t, 500*time.Millisecond, nil)

	recorder.Record(session.EventTypeView, map[string]any{"pageUrl": "/page"})
	clock.Advance(time.Second)
	recorder.Record(session.EventTypeClick, map[string]any{"element": "cta"})

	events := sess.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, session.EventTypeView, events[0].Type)
	assert.Equal(t, session.EventTypeClick, events[1].Type)
	assert.Equal(t, clock.Now().Add(-time.Second).UnixMilli(), events[0].Timestamp)
	assert.Equal(t, clock.Now().UnixMilli(), events[1].Timestamp)
	assert.Equal(t, "cta", events[1].Data["element"])
}

func TestRecordDropsUnrecognizedType(t *testing.T) {
	recorder, sess, _ := newRecorder(t, 500*time.Millisecond, nil)

	recorder.Record(session.EventType("pageview"), nil)
	recorder.Record(session.EventType(""), nil)

	assert.Nil(t, sess.Drain())
}

func TestRecordDropsWhenSessionClosed(t *testing.T) {
	recorder, sess, clock := newRecorder(t, 500*time.Millisecond, nil)
	sess.Close(clock.Now())

	recorder.Record(session.EventTypeClick, nil)
	assert.Nil(t, sess.Drain())
}

func TestDebounceSuppressesBursts(t *testing.T) {
	recorder, sess, clock := newRecorder(t, 500*time.Millisecond, nil)

	data := map[string]any{"element": "cta", "x": 10}
	recorder.Record(session.EventTypeClick, data)
	clock.Advance(100 * time.Millisecond)
	recorder.Record(session.EventTypeClick, data)
	clock.Advance(100 * time.Millisecond)
	recorder.Record(session.EventTypeClick, data)

	require.Len(t, sess.Drain(), 1)

	// Past the window the same event is accepted again.
	clock.Advance(time.Second)
	recorder.Record(session.EventTypeClick, data)
	assert.Len(t, sess.Drain(), 1)
}

func TestDebounceDistinguishesPayloads(t *testing.T) {
	recorder, sess, _ := newRecorder(t, 500*time.Millisecond, nil)

	recorder.Record(session.EventTypeClick, map[string]any{"element": "cta"})
	recorder.Record(session.EventTypeClick, map[string]any{"element": "nav"})
	recorder.Record(session.EventTypeView, map[string]any{"element": "cta"})

	assert.Len(t, sess.Drain(), 3)
}

func TestDebounceKeyIgnoresMapOrder(t *testing.T) {
	recorder, sess, _ := newRecorder(t, 500*time.Millisecond, nil)

	recorder.Record(session.EventTypeCustom, map[string]any{"a": 1, "b": 2})
	recorder.Record(session.EventTypeCustom, map[string]any{"b": 2, "a": 1})

	assert.Len(t, sess.Drain(), 1)
}

func TestLeaveTriggersTerminalCallback(t *testing.T) {
	terminalCalls := 0
	recorder, sess, _ := newRecorder(t, 500*time.Millisecond, func() { terminalCalls++ })

	recorder.Record(session.EventTypeView, nil)
	require.Equal(t, 0, terminalCalls)

	recorder.Record(session.EventTypeLeave, nil)
	assert.Equal(t, 1, terminalCalls)

	events := sess.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, session.EventTypeLeave, events[1].Type)
}

func TestTerminalCallbackNotFiredForDebouncedLeave(t *testing.T) {
	terminalCalls := 0
	recorder, _, _ := newRecorder(t, 500*time.Millisecond, func() { terminalCalls++ })

	recorder.Record(session.EventTypeLeave, nil)
	recorder.Record(session.EventTypeLeave, nil)

	assert.Equal(t, 1, terminalCalls)
}
