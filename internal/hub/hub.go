// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package hub fans readings out to WebSocket subscribers.
//
// Each subscriber owns a bounded outbox and a dedicated writer goroutine; a
// slow socket never blocks another socket or the pipeline. The outbox is the
// one place in the gateway where dropping is preferred over blocking:
// Broadcast enqueues non-blockingly and applies the subscriber's drop
// policy when the outbox is full.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/codec"
	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// DropPolicy selects the behavior when a subscriber's outbox is full.
type DropPolicy string

const (
	// DropPolicySlowDrop discards the oldest undelivered frame and keeps
	// the connection open.
	DropPolicySlowDrop DropPolicy = "slow_drop"

	// DropPolicyDisconnect closes the WebSocket with a "subscriber too
	// slow" reason.
	DropPolicyDisconnect DropPolicy = "disconnect"
)

// Config tunes the hub.
type Config struct {
	// OutboxCapacity bounds each subscriber's pending-frame queue.
	// Default 1,024.
	OutboxCapacity int

	// DropPolicy defaults to DropPolicySlowDrop.
	DropPolicy DropPolicy

	// HeartbeatInterval is the ping cadence. Default 15s. A subscriber
	// missing pongs for two intervals is closed.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = 1024
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropPolicySlowDrop
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// TenantResolver reports the owning tenant of a device. The hub uses it to
// keep non-admin subscribers inside their tenant boundary.
type TenantResolver interface {
	TenantOf(deviceID string) (string, bool)
}

// Hub maintains the subscriber set and broadcasts pipeline readings.
type Hub struct {
	cfg     Config
	tenants TenantResolver

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewHub creates a hub. tenants may be nil when tenancy is not enforced.
func NewHub(cfg Config, tenants TenantResolver) *Hub {
	return &Hub{
		cfg:         cfg.withDefaults(),
		tenants:     tenants,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

func (h *Hub) register(s *Subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	total := len(h.subscribers)
	h.mu.Unlock()
	metrics.SubscribersConnected.Set(float64(total))
	logging.Info().
		Str("subscriber_id", s.ID).
		Int("total", total).
		Msg("subscriber connected")
}

func (h *Hub) unregister(s *Subscriber) {
	h.mu.Lock()
	_, present := h.subscribers[s]
	delete(h.subscribers, s)
	total := len(h.subscribers)
	h.mu.Unlock()
	if !present {
		return
	}
	s.closeOutbox()
	metrics.SubscribersConnected.Set(float64(total))
	logging.Info().
		Str("subscriber_id", s.ID).
		Int("total", total).
		Msg("subscriber disconnected")
}

// Broadcast offers a reading to every matching subscriber. The frame is
// serialized exactly once; the encoded blob is shared by reference across
// all outboxes. Broadcast never blocks.
func (h *Hub) Broadcast(r models.Reading) {
	h.mu.RLock()
	subscribers := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		if s.matches(r) {
			subscribers = append(subscribers, s)
		}
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	blob, err := codec.EncodeReadingEvent(r)
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode reading for broadcast")
		return
	}

	for _, s := range subscribers {
		if !s.offer(blob, r.Seq) {
			// Outbox full with disconnect policy: sever the subscriber.
			metrics.SubscriberClosedTotal.WithLabelValues("too_slow").Inc()
			s.closeSlow()
			h.unregister(s)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// DroppedFrames sums the dropped counter across connected subscribers.
func (h *Hub) DroppedFrames() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total int64
	for s := range h.subscribers {
		total += s.Dropped()
	}
	return total
}

// Run blocks until the context is canceled, then closes every subscriber
// with a going-away frame. Designed for suture supervision.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	subscribers := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subscribers = append(subscribers, s)
	}
	h.subscribers = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, s := range subscribers {
		metrics.SubscriberClosedTotal.WithLabelValues("shutdown").Inc()
		s.closeShutdown()
	}
	metrics.SubscribersConnected.Set(0)
	logging.Info().Int("closed", len(subscribers)).Msg("subscriber hub stopped")
	return ctx.Err()
}
