// Package delivery schedules flushes of buffered session events to the
// transport.
//
// The scheduler owns the pending buffer and the in-flight count. It enforces
// the at-most-N concurrent deliveries bound, applies the sampling policy once
// per flush, and retries transient failures with bounded exponential backoff.
// Delivery semantics are at-least-once: an acknowledged payload is never
// requeued, but a payload that failed before any acknowledgment may be
// transmitted again.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wewb/internal/config"
	"wewb/internal/ingest"
	"wewb/internal/sampling"
	"wewb/internal/session"
	"wewb/internal/transport"
)

// PayloadBuilder turns a batch of events into the wire payload.
type PayloadBuilder func(events []session.Event) ([]byte, error)

// Options configures a Scheduler. Transport, Sampler, Drain, Build, Clock,
// and Logger are required; Spool is optional.
type Options struct {
	Transport transport.Sender
	Sampler   *sampling.Policy
	Drain     func() []session.Event
	Build     PayloadBuilder
	Spool     func(payload []byte)
	Clock     ingest.Clock
	Logger    *slog.Logger

	UploadPercent           float64
	MaxConcurrentDeliveries int
	FlushInterval           time.Duration
	RequestTimeout          time.Duration
	MaxRetries              int
	BackoffBase             time.Duration
}

// Stats counts delivery outcomes over the scheduler's lifetime.
type Stats struct {
	SentPayloads  int64
	SentEvents    int64
	DroppedEvents int64
}

// Scheduler runs the periodic and event-triggered flush logic.
type Scheduler struct {
	opts Options

	mu          sync.Mutex
	pending     []session.Event
	inFlight    int
	retries     int
	nextAttempt time.Time
	isRunning   bool
	stats       Stats

	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start arms the recurring flush timer. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.opts.Logger.Info("Starting flush scheduler", slog.Duration("interval", s.opts.FlushInterval))
	s.ticker = time.NewTicker(s.opts.FlushInterval)

	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.Flush(false)
			case <-s.ctx.Done():
				s.opts.Logger.Debug("Flush loop stopped")
				return
			}
		}
	}()
}

// Stop cancels the recurring timer. It is called exactly once at session
// close; later calls are no-ops. In-flight deliveries are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.cancel()
	s.opts.Logger.Info("Flush scheduler stopped")
}

// Flush drains the session buffer into pending and hands one payload to the
// transport. Non-final flushes skip when all delivery slots are occupied or a
// retry backoff is in effect. A final flush is a synchronous best-effort
// single attempt with no retry scheduling, because the page is unloading and
// further timers will never fire.
func (s *Scheduler) Flush(final bool) {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	if drained := s.opts.Drain(); len(drained) > 0 {
		s.pending = append(s.pending, drained...)
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}

	if !final {
		if s.inFlight >= s.opts.MaxConcurrentDeliveries {
			s.opts.Logger.Debug("Skipping flush - delivery slots exhausted",
				slog.Int("inFlight", s.inFlight))
			s.mu.Unlock()
			return
		}
		if now.Before(s.nextAttempt) {
			s.opts.Logger.Debug("Skipping flush - retry backoff in effect",
				slog.Time("nextAttempt", s.nextAttempt))
			s.mu.Unlock()
			return
		}
	}

	if !s.opts.Sampler.ShouldInclude(s.opts.UploadPercent) {
		// A sampled-out session still must not accumulate memory.
		dropped := len(s.pending)
		s.pending = nil
		s.stats.DroppedEvents += int64(dropped)
		s.mu.Unlock()
		s.opts.Logger.Debug("Flush sampled out", slog.Int("events", dropped))
		return
	}

	batch := s.pending
	s.pending = nil
	s.inFlight++
	s.mu.Unlock()

	if final {
		s.deliverFinal(batch)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(batch)
	}()
}

func (s *Scheduler) deliver(batch []session.Event) {
	payload, err := s.opts.Build(batch)
	if err != nil {
		s.opts.Logger.Error("Failed to build payload, dropping events",
			slog.Int("events", len(batch)), slog.Any("error", err))
		s.mu.Lock()
		s.inFlight--
		s.stats.DroppedEvents += int64(len(batch))
		s.mu.Unlock()
		return
	}
	s.settle(batch, s.sendSafely(payload))
}

// sendSafely shields the scheduler from a panicking transport; a panic is
// treated as a transient failure.
func (s *Scheduler) sendSafely(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &transport.TransientError{Err: fmt.Errorf("panic in transport: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.opts.Transport.Send(ctx, payload)
}

// settle releases the delivery slot and applies the retry policy.
func (s *Scheduler) settle(batch []session.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--

	if err == nil {
		s.retries = 0
		s.nextAttempt = time.Time{}
		s.stats.SentPayloads++
		s.stats.SentEvents += int64(len(batch))
		return
	}

	var rejected *transport.RejectedError
	if errors.As(err, &rejected) {
		s.retries = 0
		s.stats.DroppedEvents += int64(len(batch))
		s.opts.Logger.Error("Payload rejected by collector, dropping events",
			slog.Int("status", rejected.StatusCode),
			slog.Int("events", len(batch)))
		return
	}

	s.retries++
	if s.retries > s.opts.MaxRetries {
		s.stats.DroppedEvents += int64(len(batch))
		s.opts.Logger.Error("Retry budget exhausted, dropping events",
			slog.Int("events", len(batch)),
			slog.Int("attempts", s.retries),
			slog.Any("error", err))
		s.retries = 0
		s.nextAttempt = time.Time{}
		return
	}

	// Requeue at the front so chronological order survives the retry
	// boundary; newly recorded events stay behind the failed batch.
	s.pending = append(batch, s.pending...)
	backoff := backoffFor(s.opts.BackoffBase, s.retries)
	s.nextAttempt = s.opts.Clock.Now().Add(backoff)
	s.opts.Logger.Warn("Transient delivery failure, will retry",
		slog.Int("attempt", s.retries),
		slog.Duration("backoff", backoff),
		slog.Any("error", err))
}

// deliverFinal makes the single closing attempt. A transient failure spools
// the payload when a durable store is available; a rejection drops it.
func (s *Scheduler) deliverFinal(batch []session.Event) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	payload, err := s.opts.Build(batch)
	if err != nil {
		s.opts.Logger.Error("Failed to build final payload, dropping events",
			slog.Int("events", len(batch)), slog.Any("error", err))
		s.addDropped(len(batch))
		return
	}

	// The scheduler context may be about to be cancelled by Stop; the
	// closing attempt gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()

	sendErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &transport.TransientError{Err: fmt.Errorf("panic in transport: %v", r)}
			}
		}()
		return s.opts.Transport.Send(ctx, payload)
	}()

	if sendErr == nil {
		s.mu.Lock()
		s.stats.SentPayloads++
		s.stats.SentEvents += int64(len(batch))
		s.mu.Unlock()
		return
	}

	var rejected *transport.RejectedError
	if errors.As(sendErr, &rejected) {
		s.addDropped(len(batch))
		s.opts.Logger.Error("Final payload rejected by collector, dropping events",
			slog.Int("status", rejected.StatusCode),
			slog.Int("events", len(batch)))
		return
	}

	if s.opts.Spool != nil {
		s.opts.Spool(payload)
		s.opts.Logger.Warn("Final flush failed, payload spooled",
			slog.Int("events", len(batch)), slog.Any("error", sendErr))
		return
	}

	s.addDropped(len(batch))
	s.opts.Logger.Warn("Final flush failed, dropping events",
		slog.Int("events", len(batch)), slog.Any("error", sendErr))
}

func (s *Scheduler) addDropped(n int) {
	s.mu.Lock()
	s.stats.DroppedEvents += int64(n)
	s.mu.Unlock()
}

// Stats returns a snapshot of the delivery counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// PendingCount returns the number of events waiting for the next flush.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// InFlight returns the number of deliveries currently occupying slots.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > config.MaxBackoff {
		d = config.MaxBackoff
	}
	return d
}
