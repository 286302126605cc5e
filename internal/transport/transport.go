// Package transport performs the single network write per flush and
// classifies the outcome.
//
// Classification drives retry policy: 2xx acknowledges the payload, 4xx marks
// it permanently rejected (never retried), and network errors or 5xx are
// transient (eligible for bounded retry).
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RejectedError marks a payload the server refused as malformed. The engine
// drops it permanently; retrying a 4xx forever would never succeed.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payload rejected with status %d: %s", e.StatusCode, e.Body)
}

// TransientError marks a delivery that may succeed on retry: a network-level
// failure, a timeout, or a 5xx response.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("transient delivery failure: status %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Sender delivers one payload to the collection endpoint.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// HTTPSender posts JSON payloads to the configured ingestion endpoint.
type HTTPSender struct {
	client *http.Client
	url    string
	logger *slog.Logger
}

// NewHTTPSender builds a sender for ingestURL. The timeout bounds each
// request end to end so a hanging request cannot permanently occupy a
// concurrency slot.
func NewHTTPSender(ingestURL string, timeout time.Duration, logger *slog.Logger) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
		url:    ingestURL,
		logger: logger,
	}
}

// Send posts the payload and classifies the result: nil on 2xx,
// *RejectedError on 4xx, *TransientError on anything else.
func (s *HTTPSender) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("Delivery request failed", slog.Any("error", err))
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Drain the body so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		s.logger.Debug("Payload delivered",
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", time.Since(start)))
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &TransientError{StatusCode: resp.StatusCode}
	}
}
