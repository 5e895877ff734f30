// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package registry

import (
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// Health score weighting. The three components mirror what field operators
// actually triage: data quality first, then staleness, then battery.
const (
	qualityWeight   = 60
	freshnessWeight = 25
	batteryWeight   = 15
)

// HealthInputs captures everything the health score depends on. Keeping the
// inputs explicit makes the score a pure function: identical inputs always
// produce identical scores.
type HealthInputs struct {
	// Qualities is the quality of the last N frames, oldest first.
	Qualities []models.Quality

	// SinceLastFrame is the elapsed time since the device's last frame.
	SinceLastFrame time.Duration

	// Cadence is the device's declared inter-frame interval.
	Cadence time.Duration

	// BatteryVolts is the most recent battery reading, 0 if none seen.
	BatteryVolts float64
}

// HealthScore computes a device health score in [0, 100].
func HealthScore(in HealthInputs) int {
	score := qualityComponent(in.Qualities) + freshnessComponent(in.SinceLastFrame, in.Cadence) + batteryComponent(in.BatteryVolts)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// qualityComponent scales with the fraction of recent frames graded good.
// Suspect frames count half; invalid frames count zero. A device with no
// history scores full marks so newly provisioned devices do not start out
// looking sick.
func qualityComponent(qualities []models.Quality) int {
	if len(qualities) == 0 {
		return qualityWeight
	}
	var sum float64
	for _, q := range qualities {
		switch q {
		case models.QualityGood:
			sum += 1.0
		case models.QualitySuspect:
			sum += 0.5
		}
	}
	return int(sum / float64(len(qualities)) * qualityWeight)
}

// freshnessComponent decays linearly once the device has been silent for
// longer than its cadence, hitting zero at 10x cadence.
func freshnessComponent(since, cadence time.Duration) int {
	if cadence <= 0 {
		cadence = time.Minute
	}
	if since <= cadence {
		return freshnessWeight
	}
	overdue := float64(since-cadence) / float64(9*cadence)
	if overdue >= 1 {
		return 0
	}
	return int((1 - overdue) * freshnessWeight)
}

// batteryComponent bands the battery voltage: >3.5V full marks, 3.5-3.0V
// proportional, below 3.0V zero. Devices that never reported battery are
// not penalized.
func batteryComponent(volts float64) int {
	switch {
	case volts == 0:
		return batteryWeight
	case volts >= 3.5:
		return batteryWeight
	case volts <= 3.0:
		return 0
	default:
		return int((volts - 3.0) / 0.5 * batteryWeight)
	}
}
