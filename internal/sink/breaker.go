// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package sink

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// BreakerConfig tunes the circuit breaker wrapped around the durable store.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker. Default 5.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing the
	// store again. Default 15s.
	OpenTimeout time.Duration
}

// BreakerAppender wraps an Appender with a circuit breaker so a hard storage
// outage fails fast instead of stacking slow timeouts. The flusher's retry
// loop treats breaker-open errors like any other transient failure, so no
// readings are lost; the breaker only shortens the failure path.
type BreakerAppender struct {
	inner   Appender
	breaker *gobreaker.CircuitBreaker[int64]
}

// NewBreakerAppender wraps the given appender.
func NewBreakerAppender(inner Appender, cfg BreakerConfig) *BreakerAppender {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "durable-store",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("durable store breaker state changed")
		},
	}

	return &BreakerAppender{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[int64](settings),
	}
}

// Append implements Appender through the breaker.
func (b *BreakerAppender) Append(ctx context.Context, readings []models.Reading) (int64, error) {
	return b.breaker.Execute(func() (int64, error) {
		return b.inner.Append(ctx, readings)
	})
}

// State reports the breaker state for monitoring.
func (b *BreakerAppender) State() string {
	return b.breaker.State().String()
}
