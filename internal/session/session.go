// Package session owns the active session record and its ordered event log.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a recorded event.
type EventType string

// Recognized event types. EventTypeLeave is the reserved terminal type that
// closes the session.
const (
	EventTypeView   EventType = "view"
	EventTypeClick  EventType = "click"
	EventTypeLeave  EventType = "leave"
	EventTypeError  EventType = "error"
	EventTypeCustom EventType = "custom"
)

// Valid reports whether t is one of the recognized event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeView, EventTypeClick, EventTypeLeave, EventTypeError, EventTypeCustom:
		return true
	}
	return false
}

// Event is one recorded interaction. Immutable once appended; ordering within
// a session is insertion order and is preserved end-to-end.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Metrics aggregates per-session engagement measurements.
type Metrics struct {
	ScrollDepth     int            `json:"scrollDepth"`
	VisibleSections map[string]int `json:"visibleSections"`
}

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateClosed
)

// ErrClosed is returned when an event is appended after the session closed.
var ErrClosed = errors.New("session closed")

// Session is one continuous visit record from page load to page leave.
// Exactly one session is open per engine instance.
type Session struct {
	mu sync.Mutex

	id        string
	startTime time.Time
	endTime   time.Time
	pageURL   string
	pageTitle string
	referrer  string
	metrics   Metrics
	state     State
	events    []Event
}

// Open allocates a new active session for the current page load.
func Open(pageURL, pageTitle, referrer string, now time.Time) *Session {
	return &Session{
		id:        uuid.NewString(),
		startTime: now,
		pageURL:   pageURL,
		pageTitle: pageTitle,
		referrer:  referrer,
		state:     StateActive,
		metrics:   Metrics{VisibleSections: make(map[string]int)},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// PageURL returns the URL the session was opened on.
func (s *Session) PageURL() string { return s.pageURL }

// PageTitle returns the page title at open time.
func (s *Session) PageTitle() string { return s.pageTitle }

// Referrer returns the referrer at open time.
func (s *Session) Referrer() string { return s.referrer }

// StartTime returns when the session opened.
func (s *Session) StartTime() time.Time { return s.startTime }

// EndTime returns when the session closed; zero while active.
func (s *Session) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session accepts new events.
func (s *Session) Active() bool {
	return s.State() == StateActive
}

// Append adds an event to the ordered buffer. Appending after close fails
// with ErrClosed; the caller logs and drops, never raises into the host.
func (s *Session) Append(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrClosed
	}
	s.events = append(s.events, event)
	return nil
}

// Drain hands the buffered events to the delivery layer and clears the
// buffer. The returned slice preserves insertion order.
func (s *Session) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	drained := s.events
	s.events = nil
	return drained
}

// Close marks the session closed and stamps the end time. Idempotent; only
// the first call takes effect.
func (s *Session) Close(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.endTime = now
}

// UpdateScrollDepth raises the recorded maximum scroll depth percentage.
// Values outside [0, 100] are clamped.
func (s *Session) UpdateScrollDepth(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	if percent > s.metrics.ScrollDepth {
		s.metrics.ScrollDepth = percent
	}
}

// MarkSectionVisible counts one visibility hit for a page section.
func (s *Session) MarkSectionVisible(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.metrics.VisibleSections[id]++
}

// MetricsSnapshot returns a copy of the current metrics.
func (s *Session) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	sections := make(map[string]int, len(s.metrics.VisibleSections))
	for k, v := range s.metrics.VisibleSections {
		sections[k] = v
	}
	return Metrics{ScrollDepth: s.metrics.ScrollDepth, VisibleSections: sections}
}
