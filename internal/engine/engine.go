// Package engine wires the session, ingestion, sampling, delivery, and
// transport components into the single owned instance the embedding
// application talks to.
//
// Propagation policy: nothing here may throw into or block the host beyond a
// public call's own work. Every public method recovers panics and converts
// failures into diagnostics; a user should never notice the engine is
// present, including when it is failing.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"wewb/internal/config"
	"wewb/internal/delivery"
	"wewb/internal/environment"
	"wewb/internal/identity"
	"wewb/internal/ingest"
	"wewb/internal/logging"
	"wewb/internal/sampling"
	"wewb/internal/session"
	"wewb/internal/store"
	"wewb/internal/transport"
)

// Options injects collaborators for testability. All fields are optional;
// zero values select the production implementations.
type Options struct {
	Transport transport.Sender
	Store     *store.Store
	Clock     ingest.Clock
	Logger    *slog.Logger
	RandFloat func() float64
}

// Engine is one session and delivery engine instance. The embedding
// application owns exactly one for its lifetime.
type Engine struct {
	page   environment.PageContext
	opts   Options
	logger *slog.Logger
	clock  ingest.Clock

	mu         sync.Mutex
	registered bool
	closed     bool
	cfg        config.Config
	st         *store.Store
	env        environment.Snapshot
	sess       *session.Session
	recorder   *ingest.Recorder
	scheduler  *delivery.Scheduler
	sender     transport.Sender

	dataMu sync.Mutex
	common map[string]any
}

// New constructs an inert engine for the given page context. The engine does
// nothing until Register activates it.
func New(page environment.PageContext, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ingest.SystemClock()
	}
	return &Engine{
		page:   page,
		opts:   opts,
		logger: logger,
		clock:  clock,
		common: make(map[string]any),
	}
}

// Register activates the engine with the given configuration and opens the
// session. Idempotent: the first call wins; a second call while active is a
// no-op and does not reset identifiers or clear buffered events. An invalid
// configuration is reported once and leaves the engine inert.
func (e *Engine) Register(cfg config.Config) error {
	defer e.recoverBoundary("Register")

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registered {
		e.logger.Debug("Register ignored - engine already active")
		return nil
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		e.logger.Error("Registration failed", slog.Any("error", err))
		return err
	}
	e.cfg = cfg

	st := e.opts.Store
	if st == nil && cfg.StateDirectory != "" {
		opened, err := store.Open(cfg.StateDirectory, e.logger)
		if err != nil {
			e.logger.Warn("Durable store unavailable, identity degrades to ephemeral",
				slog.Any("error", err))
		} else {
			st = opened
		}
	}
	e.st = st

	now := e.clock.Now()
	uid := identity.New(st, e.logger).GetOrCreate()
	e.env = environment.Capture(e.page, uid, now)
	e.sess = session.Open(e.page.URL, e.page.Title, e.page.Referrer, now)
	e.recorder = ingest.NewRecorder(e.sess, cfg.DebounceWindow, e.clock, e.logger, e.shutdownLocked)

	sender := e.opts.Transport
	if sender == nil {
		sender = transport.NewHTTPSender(cfg.IngestURL, cfg.RequestTimeout, e.logger)
	}
	e.sender = sender

	sampler := sampling.New()
	if e.opts.RandFloat != nil {
		sampler = sampling.NewWithSource(e.opts.RandFloat)
	}

	var spool func([]byte)
	if st != nil {
		spool = func(payload []byte) {
			if err := st.SpoolPayload(payload); err != nil {
				e.logger.Warn("Failed to spool payload", slog.Any("error", err))
			}
		}
	}

	e.scheduler = delivery.NewScheduler(delivery.Options{
		Transport:               sender,
		Sampler:                 sampler,
		Drain:                   e.sess.Drain,
		Build:                   e.buildPayload,
		Spool:                   spool,
		Clock:                   e.clock,
		Logger:                  e.logger,
		UploadPercent:           *cfg.UploadPercent,
		MaxConcurrentDeliveries: cfg.MaxConcurrentDeliveries,
		FlushInterval:           cfg.FlushInterval,
		RequestTimeout:          cfg.RequestTimeout,
		MaxRetries:              cfg.MaxRetries,
		BackoffBase:             cfg.BackoffBase,
	})
	e.scheduler.Start()
	e.registered = true

	if st != nil {
		go e.drainSpool()
	}

	e.logger.Info("Engine registered",
		slog.String("projectId", cfg.ProjectID),
		slog.String("sessionId", e.sess.ID()))
	return nil
}

// Record appends one event to the active session. Calls before registration
// or after close return without effect.
func (e *Engine) Record(eventType session.EventType, data map[string]any) {
	defer e.recoverBoundary("Record")

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registered || e.closed {
		e.logger.Debug("Dropping event, engine not active", slog.String("type", string(eventType)))
		return
	}
	e.recorder.Record(eventType, data)
}

// AddCommonParams merges params into every subsequent outgoing payload,
// last write wins per key. Reserved payload keys are protected at build time.
func (e *Engine) AddCommonParams(params map[string]any) {
	defer e.recoverBoundary("AddCommonParams")

	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	for k, v := range params {
		e.common[k] = v
	}
}

// UpdateScrollDepth raises the session's maximum scroll depth percentage.
func (e *Engine) UpdateScrollDepth(percent int) {
	defer e.recoverBoundary("UpdateScrollDepth")

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registered || e.closed {
		return
	}
	e.sess.UpdateScrollDepth(percent)
}

// MarkSectionVisible counts one visibility hit for a page section.
func (e *Engine) MarkSectionVisible(id string) {
	defer e.recoverBoundary("MarkSectionVisible")

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registered || e.closed {
		return
	}
	e.sess.MarkSectionVisible(id)
}

// Flush triggers an immediate non-final flush, subject to the usual
// backpressure and sampling gates.
func (e *Engine) Flush() {
	defer e.recoverBoundary("Flush")

	e.mu.Lock()
	scheduler := e.scheduler
	active := e.registered && !e.closed
	e.mu.Unlock()

	if active {
		scheduler.Flush(false)
	}
}

// Close is the page-leave signal: it records the terminal leave event,
// closes the session, makes the best-effort final flush, and cancels the
// flush timer. Only the first call takes effect.
func (e *Engine) Close() {
	defer e.recoverBoundary("Close")

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registered || e.closed {
		return
	}

	// The terminal event rides the normal recording path, which triggers
	// shutdownLocked once appended.
	e.recorder.Record(session.EventTypeLeave, nil)
	if !e.closed {
		// The leave event was debounced or dropped; close anyway.
		e.shutdownLocked()
	}
}

// shutdownLocked closes the session, runs the final flush, and stops the
// scheduler. Caller must hold e.mu.
func (e *Engine) shutdownLocked() {
	if e.closed {
		return
	}
	e.closed = true

	e.sess.Close(e.clock.Now())
	e.scheduler.Flush(true)
	e.scheduler.Stop()

	stats := e.scheduler.Stats()
	e.logger.Info("Session closed",
		slog.String("sessionId", e.sess.ID()),
		slog.Int64("sentPayloads", stats.SentPayloads),
		slog.Int64("sentEvents", stats.SentEvents),
		slog.Int64("droppedEvents", stats.DroppedEvents))
}

// Reserved keys of the payload data object; common params cannot override
// them.
var reservedDataKeys = map[string]bool{
	"pageUrl":   true,
	"pageTitle": true,
	"referrer":  true,
	"events":    true,
	"metrics":   true,
}

// buildPayload assembles the wire payload for one batch of events. It runs
// on delivery goroutines and must not take e.mu; everything it reads is
// either immutable after Register or guarded by its own lock.
func (e *Engine) buildPayload(events []session.Event) ([]byte, error) {
	data := map[string]any{
		"pageUrl":   e.sess.PageURL(),
		"pageTitle": e.sess.PageTitle(),
		"referrer":  e.sess.Referrer(),
		"metrics":   e.sess.MetricsSnapshot(),
		"events":    events,
	}

	e.dataMu.Lock()
	for k, v := range e.common {
		if !reservedDataKeys[k] {
			data[k] = v
		}
	}
	e.dataMu.Unlock()

	payload := map[string]any{
		"type":        "session",
		"projectId":   e.cfg.ProjectID,
		"data":        data,
		"userEnvInfo": e.env,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return body, nil
}

// drainSpool retries payloads left behind by a previous run's failed closing
// flush. One attempt each; if the collector is still unreachable the
// remainder goes back to the spool.
func (e *Engine) drainSpool() {
	defer e.recoverBoundary("drainSpool")

	bodies, err := e.st.DrainSpool(16)
	if err != nil {
		e.logger.Warn("Failed to drain payload spool", slog.Any("error", err))
		return
	}
	if len(bodies) == 0 {
		return
	}
	e.logger.Info("Draining spooled payloads", slog.Int("count", len(bodies)))

	for i, body := range bodies {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		sendErr := e.sender.Send(ctx, body)
		cancel()

		if sendErr == nil {
			continue
		}

		var rejected *transport.RejectedError
		if errors.As(sendErr, &rejected) {
			e.logger.Warn("Spooled payload rejected, dropping",
				slog.Int("status", rejected.StatusCode))
			continue
		}

		// Collector still unreachable; keep this and the rest for later.
		for _, remaining := range bodies[i:] {
			if spoolErr := e.st.SpoolPayload(remaining); spoolErr != nil {
				e.logger.Warn("Failed to re-spool payload", slog.Any("error", spoolErr))
			}
		}
		return
	}
}

// SessionID returns the active session identifier, or empty before
// registration.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.ID()
}

// Environment returns the captured environment snapshot.
func (e *Engine) Environment() environment.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.env
}

// Stats returns the delivery counters, zero before registration.
func (e *Engine) Stats() delivery.Stats {
	e.mu.Lock()
	scheduler := e.scheduler
	e.mu.Unlock()
	if scheduler == nil {
		return delivery.Stats{}
	}
	return scheduler.Stats()
}

func (e *Engine) recoverBoundary(op string) {
	if r := recover(); r != nil {
		e.logger.Error("Panic recovered at engine boundary",
			slog.String("op", op),
			slog.Any("panic", r))
	}
}
