// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package models

import (
	"time"
)

// SensorKind identifies the physical quantity a Reading carries.
type SensorKind string

const (
	SensorPressure    SensorKind = "pressure"
	SensorTemperature SensorKind = "temperature"
	SensorHumidity    SensorKind = "humidity"
	SensorBattery     SensorKind = "battery"
	SensorAccel       SensorKind = "accel"
	SensorLight       SensorKind = "light"
	SensorComposite   SensorKind = "composite"

	// SensorAltitude is derived server-side from barometric pressure.
	SensorAltitude SensorKind = "altitude"
)

// KnownSensorKinds lists every kind the codec canonicalizes. Frames carrying
// other kinds are preserved with QualitySuspect rather than dropped, so new
// firmware can ship sensors before the gateway learns about them.
var KnownSensorKinds = map[SensorKind]bool{
	SensorPressure:    true,
	SensorTemperature: true,
	SensorHumidity:    true,
	SensorBattery:     true,
	SensorAccel:       true,
	SensorLight:       true,
	SensorComposite:   true,
	SensorAltitude:    true,
}

// TirePosition locates a TPMS reading on the vehicle.
type TirePosition string

const (
	PositionNone       TirePosition = "none"
	PositionFrontLeft  TirePosition = "front_left"
	PositionFrontRight TirePosition = "front_right"
	PositionRearLeft   TirePosition = "rear_left"
	PositionRearRight  TirePosition = "rear_right"
)

// ParseTirePosition maps the wire abbreviations (FL, FR, RL, RR) used by the
// device firmware to canonical positions. Unknown strings map to PositionNone
// with ok=false so the caller can mark the reading suspect.
func ParseTirePosition(s string) (TirePosition, bool) {
	switch s {
	case "FL", "fl", string(PositionFrontLeft):
		return PositionFrontLeft, true
	case "FR", "fr", string(PositionFrontRight):
		return PositionFrontRight, true
	case "RL", "rl", string(PositionRearLeft):
		return PositionRearLeft, true
	case "RR", "rr", string(PositionRearRight):
		return PositionRearRight, true
	case "", string(PositionNone):
		return PositionNone, true
	default:
		return PositionNone, false
	}
}

// Quality grades a Reading after validation.
type Quality string

const (
	// QualityGood means the value passed every range and consistency check.
	QualityGood Quality = "good"

	// QualitySuspect marks readings from unknown sensor kinds or quarantined
	// devices. They are stored and broadcast but flagged for operators.
	QualitySuspect Quality = "suspect"

	// QualityInvalid marks out-of-range or unparseable values. The original
	// value is retained for auditing; invalid readings are still durably
	// stored but never feed value predicates (threshold, rate of change,
	// custom). They still count as device liveness for missing_data rules.
	QualityInvalid Quality = "invalid"
)

// Reading is one normalized (kind, value, unit) tuple for one device.
// Readings are immutable once accepted by the pipeline.
type Reading struct {
	DeviceID        string       `json:"device_id"`
	SensorKind      SensorKind   `json:"sensor_kind"`
	Position        TirePosition `json:"position,omitempty"`
	Value           float64      `json:"value"`
	Unit            string       `json:"unit"`
	DeviceTimestamp time.Time    `json:"device_timestamp"`
	IngestTimestamp time.Time    `json:"ingest_timestamp"`
	Quality         Quality      `json:"quality"`

	// Seq is assigned by the pipeline shard and is strictly increasing per
	// device within a session; when an idle session expires, the next
	// session for that device starts again at 1. Subscribers use it to
	// verify they observe a per-device prefix.
	Seq uint64 `json:"seq"`
}

// CanonicalUnit returns the unit string readings of a kind are normalized to.
func CanonicalUnit(kind SensorKind) string {
	switch kind {
	case SensorPressure:
		return "kPa"
	case SensorTemperature:
		return "degC"
	case SensorHumidity:
		return "percent"
	case SensorBattery:
		return "V"
	case SensorAccel:
		return "m/s2"
	case SensorLight:
		return "lux"
	case SensorAltitude:
		return "m"
	default:
		return ""
	}
}
