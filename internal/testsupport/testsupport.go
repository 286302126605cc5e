// Package testsupport provides shared helpers for the engine test suites.
package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wewb/internal/store"
	"wewb/internal/transport"
)

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// SetupTestStore creates a state store backed by a named in-memory database.
// cache=shared allows multiple connections to the same database within a
// test.
func SetupTestStore(t *testing.T) *store.Store {
	t.Helper()

	sanitizedName := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	st, err := store.OpenDSN(dsn, GetLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

// FakeClock implements ingest.Clock with manually advanced time.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FakeTransport records every payload handed to Send and replays a scripted
// sequence of results. When Release is set, Send blocks until the channel is
// closed, which lets tests hold a delivery slot open.
type FakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	script  []error
	Release chan struct{}
}

// NewFakeTransport returns a transport whose first len(script) sends return
// the scripted errors in order; later sends succeed.
func NewFakeTransport(script ...error) *FakeTransport {
	return &FakeTransport{script: script}
}

func (f *FakeTransport) Send(ctx context.Context, payload []byte) error {
	if f.Release != nil {
		select {
		case <-f.Release:
		case <-ctx.Done():
			return &transport.TransientError{Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		return err
	}
	return nil
}

// SentPayloads returns a copy of everything handed to Send so far.
func (f *FakeTransport) SentPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentCount returns the number of Send calls recorded so far.
func (f *FakeTransport) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// PayloadEvent mirrors one event of the wire payload.
type PayloadEvent struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// PayloadMetrics mirrors the metrics object of the wire payload.
type PayloadMetrics struct {
	ScrollDepth     int            `json:"scrollDepth"`
	VisibleSections map[string]int `json:"visibleSections"`
}

// PayloadData mirrors the data object of the wire payload.
type PayloadData struct {
	PageURL   string         `json:"pageUrl"`
	PageTitle string         `json:"pageTitle"`
	Referrer  string         `json:"referrer"`
	Metrics   PayloadMetrics `json:"metrics"`
	Events    []PayloadEvent `json:"events"`
}

// SessionPayload mirrors the full wire payload. Raw holds the undecoded
// object for asserting on merged common params.
type SessionPayload struct {
	Type        string         `json:"type"`
	ProjectID   string         `json:"projectId"`
	Data        PayloadData    `json:"data"`
	UserEnvInfo map[string]any `json:"userEnvInfo"`

	Raw map[string]any `json:"-"`
}

// DecodePayload parses a wire payload body.
func DecodePayload(t *testing.T, body []byte) SessionPayload {
	t.Helper()

	var payload SessionPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NoError(t, json.Unmarshal(body, &payload.Raw))
	return payload
}

// EventTypes extracts the event type sequence from a decoded payload.
func EventTypes(payload SessionPayload) []string {
	types := make([]string, 0, len(payload.Data.Events))
	for _, event := range payload.Data.Events {
		types = append(types, event.Type)
	}
	return types
}
