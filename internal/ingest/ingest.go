// Package ingest is the engine's recording surface. It gates events on
// session state, deduplicates bursts from repeated DOM handlers, stamps wall
// clock time, and appends to the session buffer.
//
// Nothing here may block or panic into host code: every failure path degrades
// to a dropped event plus a diagnostic.
package ingest

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"wewb/internal/session"
)

// Clock abstracts wall-clock time so the debounce window is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// Keep the debounce map from growing without bound on long-lived pages.
const maxDebounceEntries = 1024

// Recorder validates, debounces, timestamps, and appends events to the
// active session. Callers serialize access; the engine invokes it under its
// own lock.
type Recorder struct {
	session    *session.Session
	window     time.Duration
	clock      Clock
	logger     *slog.Logger
	lastSeen   map[string]time.Time
	onTerminal func()
}

// NewRecorder builds a Recorder for sess. onTerminal is invoked after a
// leave event is appended; the engine uses it to close the session and run
// the final flush.
func NewRecorder(sess *session.Session, window time.Duration, clock Clock, logger *slog.Logger, onTerminal func()) *Recorder {
	return &Recorder{
		session:    sess,
		window:     window,
		clock:      clock,
		logger:     logger,
		lastSeen:   make(map[string]time.Time),
		onTerminal: onTerminal,
	}
}

// Record appends one event to the active session. Calls against a non-active
// session, unrecognized types, and debounced duplicates return without
// effect.
func (r *Recorder) Record(eventType session.EventType, data map[string]any) {
	if !r.session.Active() {
		r.logger.Debug("Dropping event, session not active", slog.String("type", string(eventType)))
		return
	}
	if !eventType.Valid() {
		r.logger.Debug("Dropping event with unrecognized type", slog.String("type", string(eventType)))
		return
	}

	now := r.clock.Now()
	key := debounceKey(eventType, data)
	if last, seen := r.lastSeen[key]; seen && now.Sub(last) < r.window {
		r.logger.Debug("Debounced duplicate event",
			slog.String("type", string(eventType)),
			slog.String("key", key))
		return
	}
	r.remember(key, now)

	event := session.Event{
		Type:      eventType,
		Timestamp: now.UnixMilli(),
		Data:      data,
	}
	if err := r.session.Append(event); err != nil {
		r.logger.Debug("Failed to append event", slog.String("type", string(eventType)), slog.Any("error", err))
		return
	}

	if eventType == session.EventTypeLeave && r.onTerminal != nil {
		r.onTerminal()
	}
}

func (r *Recorder) remember(key string, now time.Time) {
	if len(r.lastSeen) >= maxDebounceEntries {
		for k, seen := range r.lastSeen {
			if now.Sub(seen) >= r.window {
				delete(r.lastSeen, k)
			}
		}
	}
	r.lastSeen[key] = now
}

// debounceKey derives a stable key from the event type and payload so that
// two logically identical events map to the same window entry regardless of
// map iteration order.
func debounceKey(eventType session.EventType, data map[string]any) string {
	if len(data) == 0 {
		return string(eventType)
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(eventType))
	for _, k := range keys {
		fmt.Fprintf(&b, ".%s=%v", k, data[k])
	}
	return b.String()
}
