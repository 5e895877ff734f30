// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
	"github.com/hankooktech/smartsensor-gateway/internal/registry"
)

// AdminRegistry is the registry surface of the admin API.
type AdminRegistry interface {
	SnapshotAll() []models.DeviceView
	Snapshot(deviceID string) (models.DeviceView, bool)
	Provision(dev models.Device)
	Evict(deviceID string) bool
	Confirm(deviceID string, kind models.DeviceKind) bool
}

// AdminHandlers serves the operator device API.
type AdminHandlers struct {
	registry AdminRegistry
}

// NewAdminHandlers creates the admin handlers.
func NewAdminHandlers(reg AdminRegistry) *AdminHandlers {
	return &AdminHandlers{registry: reg}
}

// ListDevices returns snapshots of every known device.
func (h *AdminHandlers) ListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.SnapshotAll())
}

// GetDevice returns one device snapshot including its health score.
func (h *AdminHandlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	view, ok := h.registry.Snapshot(deviceID)
	if !ok {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// provisionRequest is the POST /v1/devices body.
type provisionRequest struct {
	DeviceID   string `json:"device_id"`
	Kind       string `json:"kind"`
	Credential string `json:"credential"`
	Tenant     string `json:"tenant,omitempty"`
	CadenceSec int    `json:"cadence_seconds,omitempty"`
}

// ProvisionDevice creates or replaces a device record.
func (h *AdminHandlers) ProvisionDevice(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" || req.Credential == "" {
		http.Error(w, "device_id and credential are required", http.StatusBadRequest)
		return
	}
	kind := models.DeviceKind(req.Kind)
	switch kind {
	case models.DeviceKindTPMS, models.DeviceKindEnvironmental, models.DeviceKindGateway, models.DeviceKindUnknown:
	case "":
		kind = models.DeviceKindUnknown
	default:
		http.Error(w, "unknown device kind", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	h.registry.Provision(models.Device{
		DeviceID:               req.DeviceID,
		Kind:                   kind,
		CredentialsFingerprint: registry.Fingerprint(req.Credential),
		Tenant:                 req.Tenant,
		KnownSince:             now,
		LastSeenAt:             now,
		Cadence:                time.Duration(req.CadenceSec) * time.Second,
	})
	logging.Info().Str("device_id", req.DeviceID).Str("kind", string(kind)).Msg("device provisioned")
	w.WriteHeader(http.StatusCreated)
}

// EvictDevice removes a device.
func (h *AdminHandlers) EvictDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !h.registry.Evict(deviceID) {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	logging.Info().Str("device_id", deviceID).Msg("device evicted")
	w.WriteHeader(http.StatusNoContent)
}

// confirmRequest is the POST /v1/devices/{id}/confirm body.
type confirmRequest struct {
	Kind string `json:"kind,omitempty"`
}

// ConfirmDevice clears quarantine after operator review.
func (h *AdminHandlers) ConfirmDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req confirmRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !h.registry.Confirm(deviceID, models.DeviceKind(req.Kind)) {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	logging.Info().Str("device_id", deviceID).Msg("device confirmed")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
