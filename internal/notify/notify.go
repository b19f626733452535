// Package notify delivers operator alerts for governance events: blocked
// writes, automatic pauses, review-queue escalations.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Severity levels for events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one alert to deliver.
type Event struct {
	Severity Severity
	Title    string
	Detail   string
}

// Sink delivers events. Implementations must not block indefinitely;
// delivery failure is the sink's problem to report, not the caller's.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log. The default when no webhook
// is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink backed by the structured log.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the event at a level matching its severity.
func (s *LogSink) Notify(_ context.Context, ev Event) error {
	switch ev.Severity {
	case SeverityCritical:
		s.logger.Error("notify: "+ev.Title, "detail", ev.Detail)
	case SeverityWarning:
		s.logger.Warn("notify: "+ev.Title, "detail", ev.Detail)
	default:
		s.logger.Info("notify: "+ev.Title, "detail", ev.Detail)
	}
	return nil
}

// WebhookSink posts events as Slack-compatible JSON payloads.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type webhookPayload struct {
	Text string `json:"text"`
}

// Notify posts the event. Non-2xx responses are errors.
func (s *WebhookSink) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(webhookPayload{
		Text: fmt.Sprintf("[%s] %s: %s", ev.Severity, ev.Title, ev.Detail),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: webhook status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
