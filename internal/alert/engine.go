// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package alert

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// Config tunes the alert engine.
type Config struct {
	// MaxReminderInterval re-emits a still-firing alert after this long.
	// Zero disables reminders.
	MaxReminderInterval time.Duration

	// DedupWindow reuses the previous alert_id when a (device, rule) pair
	// reopens within this window of resolving. Default 10m.
	DedupWindow time.Duration

	// DispatchRetries is the number of emit attempts per alert, the first
	// one included, before dead-lettering. Default 3.
	DispatchRetries int

	// DispatchBackoff is the base delay between dispatch retries.
	// Default 500ms.
	DispatchBackoff time.Duration

	// QueueSize bounds the dispatch queue. Default 1,024.
	QueueSize int

	// WheelTick is the missing_data timer wheel resolution. Default 1s.
	WheelTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.DispatchRetries <= 0 {
		c.DispatchRetries = 3
	}
	if c.DispatchBackoff <= 0 {
		c.DispatchBackoff = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WheelTick <= 0 {
		c.WheelTick = time.Second
	}
	return c
}

// ErrInvalidCustomRule is returned when a registered predicate rule lacks
// its identity or kind.
var ErrInvalidCustomRule = errors.New("custom rule requires rule_id and kind")

// PredicateFunc is a pluggable predicate evaluated for every in-scope
// reading of its rule's kind. prev is the device's previous reading of the
// same kind, nil on first sight. This is the extension point where an
// anomaly-detection model attaches.
type PredicateFunc func(r models.Reading, prev *models.Reading) bool

// customRule pairs a registered predicate with its rule metadata.
type customRule struct {
	rule Rule
	fn   PredicateFunc
}

// ruleState is the per-(device, rule) sliding-window state.
type ruleState struct {
	firing     bool
	alertID    string
	openedAt   time.Time
	falseSince time.Time
	lastEmit   time.Time

	// dedup memory after resolution
	closedAt      time.Time
	closedAlertID string
}

// Engine evaluates rules against the reading stream. Process is called from
// pipeline shard workers and never blocks: dispatch is a bounded queue
// drained by Run, and an alert that cannot be queued is dead-lettered.
type Engine struct {
	cfg   Config
	rules *RuleSet
	sink  Sink
	wheel *timerWheel

	mu     sync.Mutex
	states map[string]*ruleState
	last   map[string]models.Reading // device/kind -> previous reading
	custom map[models.SensorKind][]*customRule

	dispatch chan models.Alert

	// now is replaceable for tests.
	now func() time.Time
}

// NewEngine creates an engine over a validated rule set.
func NewEngine(rules *RuleSet, sink Sink, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = LogSink{}
	}
	return &Engine{
		cfg:      cfg,
		rules:    rules,
		sink:     sink,
		wheel:    newTimerWheel(cfg.WheelTick, 512),
		states:   make(map[string]*ruleState),
		last:     make(map[string]models.Reading),
		custom:   make(map[models.SensorKind][]*customRule),
		dispatch: make(chan models.Alert, cfg.QueueSize),
		now:      time.Now,
	}
}

// RegisterPredicate attaches a custom predicate rule. Must be called before
// the engine starts processing; predicates registered later race Process.
func (e *Engine) RegisterPredicate(rule Rule, fn PredicateFunc) error {
	if rule.RuleID == "" || rule.Kind == "" {
		return ErrInvalidCustomRule
	}
	if rule.Severity == "" {
		rule.Severity = models.SeverityWarning
	}
	if len(rule.Scope) == 0 {
		rule.Scope = []string{"*"}
	}
	rule.compile()
	kind := models.SensorKind(rule.Kind)
	e.custom[kind] = append(e.custom[kind], &customRule{rule: rule, fn: fn})
	logging.Info().Str("rule_id", rule.RuleID).Msg("custom predicate registered")
	return nil
}

func stateKey(deviceID, ruleID string) string { return deviceID + "\x00" + ruleID }

// Process evaluates one reading against every matching rule. Invalid-quality
// readings do not feed value predicates (a sensor reporting 9999 kPa is
// broken, not a blowout) but they still count as device liveness for
// missing_data rules.
func (e *Engine) Process(r models.Reading) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	lastKey := r.DeviceID + "/" + string(r.SensorKind)
	prev, hasPrev := e.last[lastKey]

	for _, rule := range e.rules.ByKind(r.SensorKind) {
		if !rule.AppliesTo(r.DeviceID) {
			continue
		}

		switch rule.Predicate {
		case PredicateMissingData:
			key := stateKey(r.DeviceID, rule.RuleID)
			e.armMissingData(key, rule, r.DeviceID)
			e.handleResultLocked(key, rule, r.DeviceID, false, r.Value, now)
		case PredicateThresholdAbove:
			if r.Quality == models.QualityInvalid {
				continue
			}
			e.handleResultLocked(stateKey(r.DeviceID, rule.RuleID), rule, r.DeviceID, r.Value > rule.Value, r.Value, now)
		case PredicateThresholdBelow:
			if r.Quality == models.QualityInvalid {
				continue
			}
			e.handleResultLocked(stateKey(r.DeviceID, rule.RuleID), rule, r.DeviceID, r.Value < rule.Value, r.Value, now)
		case PredicateRateOfChange:
			if r.Quality == models.QualityInvalid || !hasPrev {
				continue
			}
			minutes := r.DeviceTimestamp.Sub(prev.DeviceTimestamp).Minutes()
			if minutes <= 0 {
				continue
			}
			ratePerMin := math.Abs(r.Value-prev.Value) / minutes
			e.handleResultLocked(stateKey(r.DeviceID, rule.RuleID), rule, r.DeviceID, ratePerMin > rule.Value, r.Value, now)
		}
	}

	for _, cr := range e.custom[r.SensorKind] {
		if !cr.rule.AppliesTo(r.DeviceID) {
			continue
		}
		if r.Quality == models.QualityInvalid {
			continue
		}
		var prevPtr *models.Reading
		if hasPrev {
			p := prev
			prevPtr = &p
		}
		e.handleResultLocked(stateKey(r.DeviceID, cr.rule.RuleID), &cr.rule, r.DeviceID, cr.fn(r, prevPtr), r.Value, now)
	}

	if r.Quality != models.QualityInvalid {
		e.last[lastKey] = r
	}
}

// armMissingData re-arms the silence timer for a (device, rule) pair. Must
// hold e.mu.
func (e *Engine) armMissingData(key string, rule *Rule, deviceID string) {
	e.wheel.Schedule(key, rule.ForDuration, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.handleResultLocked(key, rule, deviceID, true, 0, e.now())
	})
}

// handleResultLocked drives the firing state machine for one evaluation.
// Must hold e.mu.
func (e *Engine) handleResultLocked(key string, rule *Rule, deviceID string, truth bool, value float64, now time.Time) {
	st, ok := e.states[key]
	if !ok {
		st = &ruleState{}
		e.states[key] = st
	}

	if truth {
		st.falseSince = time.Time{}

		if !st.firing {
			st.firing = true
			st.openedAt = now
			st.lastEmit = now
			// Reopening inside the dedup window reuses the prior alert_id.
			if st.closedAlertID != "" && now.Sub(st.closedAt) <= e.cfg.DedupWindow {
				st.alertID = st.closedAlertID
			} else {
				st.alertID = uuid.New().String()
			}
			metrics.AlertsOpen.WithLabelValues(string(rule.Severity)).Inc()
			e.enqueue(models.Alert{
				AlertID:   st.alertID,
				DeviceID:  deviceID,
				RuleID:    rule.RuleID,
				Severity:  rule.Severity,
				State:     models.AlertFiring,
				OpenedAt:  st.openedAt,
				LastValue: value,
				Threshold: rule.Value,
			})
			return
		}

		// Already firing: dedup suppresses re-emission until resolution or
		// the reminder interval elapses.
		if e.cfg.MaxReminderInterval > 0 && now.Sub(st.lastEmit) >= e.cfg.MaxReminderInterval {
			st.lastEmit = now
			e.enqueue(models.Alert{
				AlertID:   st.alertID,
				DeviceID:  deviceID,
				RuleID:    rule.RuleID,
				Severity:  rule.Severity,
				State:     models.AlertFiring,
				OpenedAt:  st.openedAt,
				LastValue: value,
				Threshold: rule.Value,
			})
		}
		return
	}

	if !st.firing {
		return
	}

	if st.falseSince.IsZero() {
		st.falseSince = now
	}
	if now.Sub(st.falseSince) < rule.HoldDown {
		return
	}

	// Predicate has been continuously false for the hold-down interval.
	st.firing = false
	st.closedAt = now
	st.closedAlertID = st.alertID
	st.falseSince = time.Time{}
	closed := now
	metrics.AlertsOpen.WithLabelValues(string(rule.Severity)).Dec()
	e.enqueue(models.Alert{
		AlertID:   st.alertID,
		DeviceID:  deviceID,
		RuleID:    rule.RuleID,
		Severity:  rule.Severity,
		State:     models.AlertResolved,
		OpenedAt:  st.openedAt,
		ClosedAt:  &closed,
		LastValue: value,
		Threshold: rule.Value,
	})
}

// Emit hands an externally built alert (gateway self-alerts) to the sink.
func (e *Engine) Emit(alert models.Alert) {
	if alert.AlertID == "" {
		alert.AlertID = uuid.New().String()
	}
	e.enqueue(alert)
}

// enqueue offers an alert to the dispatch queue without blocking. A full
// queue dead-letters the alert; pipeline workers must never stall on the
// alert path.
func (e *Engine) enqueue(alert models.Alert) {
	select {
	case e.dispatch <- alert:
	default:
		metrics.AlertDeadLetterTotal.Inc()
		logging.Error().
			Str("alert_id", alert.AlertID).
			Str("rule_id", alert.RuleID).
			Msg("dispatch queue full, alert dead-lettered")
	}
}

// FiringCount returns the number of (device, rule) pairs currently firing.
func (e *Engine) FiringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.states {
		if st.firing {
			n++
		}
	}
	return n
}

// Run drives the missing_data timer wheel and the dispatch worker until the
// context is canceled. Designed for suture supervision.
func (e *Engine) Run(ctx context.Context) error {
	go func() { _ = e.wheel.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert := <-e.dispatch:
			e.deliver(ctx, alert)
		}
	}
}

// deliver attempts the at-least-once handoff to the sink with bounded
// retries, then dead-letters.
func (e *Engine) deliver(ctx context.Context, alert models.Alert) {
	backoff := e.cfg.DispatchBackoff
	for attempt := 0; attempt < e.cfg.DispatchRetries; attempt++ {
		err := e.sink.Emit(ctx, alert)
		if err == nil {
			metrics.AlertsEmittedTotal.WithLabelValues(string(alert.Severity)).Inc()
			return
		}
		logging.Warn().
			Err(err).
			Str("alert_id", alert.AlertID).
			Str("sink", e.sink.Name()).
			Int("attempt", attempt+1).
			Msg("alert sink emit failed")
		select {
		case <-ctx.Done():
			metrics.AlertDeadLetterTotal.Inc()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	metrics.AlertDeadLetterTotal.Inc()
	logging.Error().
		Str("alert_id", alert.AlertID).
		Str("rule_id", alert.RuleID).
		Msg("alert dead-lettered after retries")
}
