// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package models

import (
	"time"
)

// DeviceKind classifies a field device by the sensor package it carries.
type DeviceKind string

const (
	DeviceKindTPMS          DeviceKind = "tpms"
	DeviceKindEnvironmental DeviceKind = "environmental"
	DeviceKindGateway       DeviceKind = "gateway"

	// DeviceKindUnknown is assigned by the auto_provision policy until an
	// operator classifies the device.
	DeviceKindUnknown DeviceKind = "unknown"
)

// Device is the registry's authoritative record for one field device.
// Only the registry mutates Device values; every other component works
// against immutable DeviceView snapshots.
type Device struct {
	DeviceID               string     `json:"device_id"`
	Kind                   DeviceKind `json:"kind"`
	CredentialsFingerprint string     `json:"credentials_fingerprint"`
	Tenant                 string     `json:"tenant,omitempty"`
	KnownSince             time.Time  `json:"known_since"`
	LastSeenAt             time.Time  `json:"last_seen_at"`
	FirmwareVersion        string     `json:"firmware_version,omitempty"`
	HealthScore            int        `json:"health_score"`

	// Quarantined devices have their readings marked suspect until an
	// operator confirms them.
	Quarantined bool `json:"quarantined,omitempty"`

	// Cadence is the interval the device declared between frames. The health
	// score penalizes devices whose silence exceeds a multiple of this.
	Cadence time.Duration `json:"cadence,omitempty"`
}

// DeviceView is an immutable copy of a Device handed to other components.
type DeviceView struct {
	DeviceID        string     `json:"device_id"`
	Kind            DeviceKind `json:"kind"`
	Tenant          string     `json:"tenant,omitempty"`
	KnownSince      time.Time  `json:"known_since"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	HealthScore     int        `json:"health_score"`
	Quarantined     bool       `json:"quarantined,omitempty"`
}

// View copies the exported state of a Device into a DeviceView.
func (d *Device) View() DeviceView {
	return DeviceView{
		DeviceID:        d.DeviceID,
		Kind:            d.Kind,
		Tenant:          d.Tenant,
		KnownSince:      d.KnownSince,
		LastSeenAt:      d.LastSeenAt,
		FirmwareVersion: d.FirmwareVersion,
		HealthScore:     d.HealthScore,
		Quarantined:     d.Quarantined,
	}
}
