// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package models

import (
	"time"
)

// Severity indicates the severity level of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertState tracks an alert through its lifecycle.
type AlertState string

const (
	// AlertFiring means the triggering predicate is (or was recently) true.
	AlertFiring AlertState = "firing"

	// AlertResolved means the predicate has been continuously false for the
	// rule's hold-down interval.
	AlertResolved AlertState = "resolved"

	// AlertSilenced means an operator suppressed notification without
	// changing the underlying predicate state.
	AlertSilenced AlertState = "silenced"
)

// Alert records one rule violation for one device. At most one Alert per
// (device_id, rule_id) pair is in AlertFiring state at any instant.
type Alert struct {
	AlertID   string     `json:"alert_id"`
	DeviceID  string     `json:"device_id"`
	RuleID    string     `json:"rule_id"`
	Severity  Severity   `json:"severity"`
	State     AlertState `json:"state"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	LastValue float64    `json:"last_value"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message,omitempty"`

	// Source distinguishes device alerts from the gateway's self-alerts
	// (WAB pressure, subscriber drop rate).
	Source string `json:"source,omitempty"`
}
