// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the gateway:
// - Ingest throughput and rejections (MQTT and HTTP)
// - Pipeline shard queue depth and backpressure stalls
// - Write-ahead buffer occupancy and flush latency
// - Subscriber connections and per-subscriber drops
// - Alert engine state and dead-letter counts

var (
	// Ingest Metrics
	IngestFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_frames_total",
			Help: "Total number of inbound frames by source",
		},
		[]string{"source"}, // "mqtt", "http"
	)

	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rejected_total",
			Help: "Total number of rejected frames by reason",
		},
		[]string{"reason"}, // "decode", "auth", "rate_limit", "clock_skew"
	)

	ReadingsInvalidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "readings_invalid_total",
			Help: "Total number of readings accepted with quality=invalid",
		},
	)

	ReadingsSuspectTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "readings_suspect_total",
			Help: "Total number of readings accepted with quality=suspect",
		},
	)

	// Pipeline Metrics
	PipelineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current number of queued work items per shard",
		},
		[]string{"shard"},
	)

	PipelineStallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_stalls_total",
			Help: "Total number of shard parks caused by durable sink backpressure",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_sessions_active",
			Help: "Current number of live device sessions",
		},
	)

	// Durable Sink Metrics
	DurableWABDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_wab_depth",
			Help: "Current number of readings held in the write-ahead buffer",
		},
	)

	DurableFlushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durable_flush_latency_seconds",
			Help:    "Latency of batch writes to the durable store",
			Buckets: prometheus.DefBuckets,
		},
	)

	DurableFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_flush_errors_total",
			Help: "Total number of failed batch writes to the durable store",
		},
	)

	DurableReadingsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_readings_written_total",
			Help: "Total number of readings acknowledged by the durable store",
		},
	)

	// Subscriber Metrics
	SubscribersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscribers_connected",
			Help: "Current number of connected WebSocket subscribers",
		},
	)

	SubscriberDroppedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriber_dropped_frames_total",
			Help: "Total number of frames dropped from subscriber outboxes",
		},
		[]string{"subscriber_id"},
	)

	SubscriberClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriber_closed_total",
			Help: "Total number of server-initiated subscriber closes by reason",
		},
		[]string{"reason"}, // "too_slow", "pong_timeout", "shutdown", "auth"
	)

	// Alert Metrics
	AlertsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alerts_open",
			Help: "Current number of alerts in firing state by severity",
		},
		[]string{"severity"},
	)

	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_emitted_total",
			Help: "Total number of alert transitions handed to the alert sink",
		},
		[]string{"severity"},
	)

	AlertDeadLetterTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_dead_letter_total",
			Help: "Total number of alerts abandoned after exhausting sink retries",
		},
	)

	// Shutdown Metrics
	ShutdownLostReadings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shutdown_lost_readings_total",
			Help: "Readings lost because the drain deadline expired before flush",
		},
	)

	// MQTT Session Metrics
	MQTTConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt_session_connected",
			Help: "1 while the upstream MQTT session is established",
		},
	)

	MQTTReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_reconnects_total",
			Help: "Total number of MQTT reconnect attempts",
		},
	)
)

// ShardLabel formats a shard index for the pipeline_queue_depth gauge.
func ShardLabel(shard int) string {
	return strconv.Itoa(shard)
}
