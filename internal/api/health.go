// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// maxLastWriteAge is the readiness bound on durable sink staleness.
const maxLastWriteAge = 60 * time.Second

// MQTTProbe reports upstream session state.
type MQTTProbe interface {
	Connected() bool
}

// DurableProbe reports durable sink staleness.
type DurableProbe interface {
	LastWriteAge(now time.Time) time.Duration
	Depth() int
}

// Health implements /healthz and /readyz.
//
// Liveness returns OK until shutdown begins. Readiness additionally
// requires the MQTT session to be connected (when MQTT ingest is
// configured) and, while the write-ahead buffer holds data, the durable
// sink to have acknowledged a write within the last 60 seconds, so load
// balancers stop routing to an instance whose storage is wedged. A stale
// write age with an empty buffer does not fail readiness.
type Health struct {
	mqtt    MQTTProbe
	durable DurableProbe

	shuttingDown atomic.Bool

	// mqttRequired is false when MQTT ingest is disabled by config.
	mqttRequired bool

	// now is replaceable for tests.
	now func() time.Time
}

// NewHealth creates the probe handlers. mqtt may be nil when the MQTT
// front-end is disabled.
func NewHealth(mqtt MQTTProbe, durable DurableProbe) *Health {
	return &Health{
		mqtt:         mqtt,
		durable:      durable,
		mqttRequired: mqtt != nil,
		now:          time.Now,
	}
}

// BeginShutdown flips liveness; the Supervisor calls it on SIGTERM.
func (h *Health) BeginShutdown() {
	h.shuttingDown.Store(true)
}

type healthResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Healthz is the liveness probe.
func (h *Health) Healthz(w http.ResponseWriter, _ *http.Request) {
	if h.shuttingDown.Load() {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down"})
		return
	}
	writeHealth(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Health) Readyz(w http.ResponseWriter, _ *http.Request) {
	if h.shuttingDown.Load() {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down"})
		return
	}
	if h.mqttRequired && !h.mqtt.Connected() {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready", Reason: "mqtt disconnected"})
		return
	}
	if h.durable != nil {
		age := h.durable.LastWriteAge(h.now())
		// A quiet gateway with an empty buffer has nothing to write; only
		// a stale age with data waiting means the store is wedged.
		if age > maxLastWriteAge && h.durable.Depth() > 0 {
			writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready", Reason: "durable sink stale"})
			return
		}
	}
	writeHealth(w, http.StatusOK, healthResponse{Status: "ready"})
}

func writeHealth(w http.ResponseWriter, code int, resp healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
