// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package ingest is the gateway front-end: the MQTT subscriber and the HTTP
// batch endpoint. Both decode frames with the codec, authenticate device
// identity against the registry, apply admission control, and hand work to
// the pipeline. Neither path ever drops an admitted frame: backpressure
// surfaces as a stalled MQTT acknowledgment or an HTTP 503 with
// Retry-After.
package ingest

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hankooktech/smartsensor-gateway/internal/auth"
	"github.com/hankooktech/smartsensor-gateway/internal/codec"
	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
	"github.com/hankooktech/smartsensor-gateway/internal/pipeline"
	"github.com/hankooktech/smartsensor-gateway/internal/registry"
)

// maxBatchBody bounds the HTTP ingest request body.
const maxBatchBody = 8 << 20 // 8 MB

// Submitter is the pipeline surface the front-end needs.
type Submitter interface {
	TrySubmit(item pipeline.Item) error
}

// Resolver is the registry surface the front-end needs.
type Resolver interface {
	ResolveTrusted(deviceID string, now time.Time) (models.DeviceView, registry.ResolveStatus)
}

// HTTPConfig tunes the batch endpoint.
type HTTPConfig struct {
	// DeviceRate and DeviceBurst bound per-device admission.
	// Defaults 50/s with burst 100.
	DeviceRate  float64
	DeviceBurst int

	// RetryAfter is the Retry-After value returned on backpressure.
	// Default 1s.
	RetryAfter time.Duration

	// MaxClockSkew is forwarded to the codec.
	MaxClockSkew time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.DeviceRate <= 0 {
		c.DeviceRate = 50
	}
	if c.DeviceBurst <= 0 {
		c.DeviceBurst = 100
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Second
	}
	return c
}

// HTTPIngest serves POST /v1/ingest.
type HTTPIngest struct {
	cfg      HTTPConfig
	decoder  codec.Decoder
	pipe     Submitter
	resolver Resolver
	limiter  *auth.KeyedLimiter

	// now is replaceable for tests.
	now func() time.Time
}

// batchResponse is the 202 body.
type batchResponse struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	BatchID  string `json:"batch_id"`
}

// NewHTTPIngest creates the batch endpoint handler.
func NewHTTPIngest(cfg HTTPConfig, pipe Submitter, resolver Resolver) *HTTPIngest {
	cfg = cfg.withDefaults()
	return &HTTPIngest{
		cfg:      cfg,
		decoder:  codec.Decoder{MaxClockSkew: cfg.MaxClockSkew},
		pipe:     pipe,
		resolver: resolver,
		limiter:  auth.NewKeyedLimiter(cfg.DeviceRate, cfg.DeviceBurst),
		now:      time.Now,
	}
}

// ServeHTTP handles one ingest batch. 202 means every surviving frame is
// enqueued in the pipeline, not that anything reached storage. 503 with
// Retry-After signals backpressure; the client retries the batch.
func (h *HTTPIngest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	now := h.now()
	envs, frames, errs, err := h.decoder.DecodeBatch(body, now)
	if err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("decode").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := batchResponse{BatchID: uuid.New().String()}
	for i := range envs {
		metrics.IngestFramesTotal.WithLabelValues("http").Inc()

		if errs[i] != nil {
			resp.Rejected++
			metrics.IngestRejectedTotal.WithLabelValues(rejectReason(errs[i])).Inc()
			continue
		}

		env := envs[i]

		// Device-scoped tokens may only submit their own frames.
		if claims != nil && claims.Scope == auth.ScopeDevice && claims.DeviceID != env.DeviceID {
			resp.Rejected++
			metrics.IngestRejectedTotal.WithLabelValues("auth").Inc()
			continue
		}

		view, status := h.resolver.ResolveTrusted(env.DeviceID, now)
		if status != registry.ResolveOK {
			resp.Rejected++
			metrics.IngestRejectedTotal.WithLabelValues("auth").Inc()
			continue
		}

		if !h.limiter.Allow(env.DeviceID) {
			resp.Rejected++
			metrics.IngestRejectedTotal.WithLabelValues("rate_limit").Inc()
			logging.Debug().Str("device_id", env.DeviceID).Msg("device over ingest rate")
			continue
		}

		err := h.pipe.TrySubmit(pipeline.Item{Envelope: env, Readings: frames[i], Device: view})
		if err != nil {
			// Backpressure: the whole request becomes retriable. Frames
			// already enqueued stay enqueued; ingest is at-least-once.
			w.Header().Set("Retry-After", formatSeconds(h.cfg.RetryAfter))
			http.Error(w, "pipeline backpressure", http.StatusServiceUnavailable)
			return
		}
		resp.Accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func rejectReason(err error) string {
	if errors.Is(err, codec.ErrClockSkew) {
		return "clock_skew"
	}
	return "decode"
}

func formatSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
