// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// Sink delivers alert transitions to an external channel (email, chat
// webhook, SMS). The engine guarantees at-least-once handoff: failed emits
// retry and exhausted retries land in the dead-letter counter.
type Sink interface {
	Emit(ctx context.Context, alert models.Alert) error
	Name() string
}

// LogSink writes alerts to the structured log. Default sink when no
// external channel is configured.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(_ context.Context, alert models.Alert) error {
	logging.Warn().
		Str("alert_id", alert.AlertID).
		Str("device_id", alert.DeviceID).
		Str("rule_id", alert.RuleID).
		Str("severity", string(alert.Severity)).
		Str("state", string(alert.State)).
		Float64("value", alert.LastValue).
		Msg("alert")
	return nil
}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// WebhookSink posts alert transitions to an HTTP endpoint.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`
	Timeout time.Duration     `koanf:"timeout"`
}

// webhookPayload is the JSON body sent to the endpoint.
type webhookPayload struct {
	Alert     models.Alert `json:"alert"`
	EventType string       `json:"event_type"`
	Timestamp time.Time    `json:"timestamp"`
	Source    string       `json:"source"`
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &WebhookSink{
		url:     cfg.URL,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Emit implements Sink.
func (s *WebhookSink) Emit(ctx context.Context, alert models.Alert) error {
	source := alert.Source
	if source == "" {
		source = "smartsensor-gateway"
	}
	body, err := json.Marshal(webhookPayload{
		Alert:     alert,
		EventType: "sensor_alert",
		Timestamp: time.Now().UTC(),
		Source:    source,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
