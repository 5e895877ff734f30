// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package codec

import (
	"math"

	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// ValueRange bounds plausible values for one sensor kind. Values outside the
// range are accepted with quality=invalid and the original value retained,
// so operators can audit misbehaving sensors.
type ValueRange struct {
	Min float64
	Max float64
}

// RangeTableVersion identifies the published range table revision. Firmware
// and dashboards consume this table; they must not reimplement it.
const RangeTableVersion = "2024.1"

// rangeTable is the canonical per-kind bounds table.
var rangeTable = map[models.SensorKind]ValueRange{
	models.SensorPressure:    {Min: 0, Max: 600},     // kPa, tire pressure
	models.SensorTemperature: {Min: -40, Max: 120},   // degC, tire temperature
	models.SensorHumidity:    {Min: 0, Max: 100},     // percent
	models.SensorBattery:     {Min: 0, Max: 5},       // V
	models.SensorAccel:       {Min: -160, Max: 160},  // m/s2, 16g sensor ceiling
	models.SensorLight:       {Min: 0, Max: 200_000}, // lux, direct sunlight ceiling
}

// Range returns the bounds for a sensor kind. Kinds without a published
// range (composite, altitude, unknown) report ok=false and skip validation.
func Range(kind models.SensorKind) (ValueRange, bool) {
	r, ok := rangeTable[kind]
	return r, ok
}

// GradeValue classifies a value against the range table. NaN and infinities
// are always invalid. Kinds without a published range grade as good; the
// caller downgrades unknown kinds to suspect separately.
func GradeValue(kind models.SensorKind, value float64) models.Quality {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return models.QualityInvalid
	}
	r, ok := rangeTable[kind]
	if !ok {
		return models.QualityGood
	}
	if value < r.Min || value > r.Max {
		return models.QualityInvalid
	}
	return models.QualityGood
}

// seaLevelPressureHPa is the ISA standard atmosphere reference.
const seaLevelPressureHPa = 1013.25

// AltitudeFromPressure derives altitude in meters from barometric pressure
// in hPa using the international barometric formula. The pipeline attaches
// the result as a derived reading on environmental frames.
func AltitudeFromPressure(pressureHPa float64) float64 {
	if pressureHPa <= 0 {
		return 0
	}
	return 44330.0 * (1.0 - math.Pow(pressureHPa/seaLevelPressureHPa, 1.0/5.255))
}
