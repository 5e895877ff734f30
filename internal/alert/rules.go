// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package alert evaluates declarative rules against the reading stream and
// dispatches state transitions to an external alert sink.
//
// Rules are loaded once at startup from a YAML file; a malformed rule set
// is a fatal configuration error. Four predicate kinds ship built in
// (threshold_above, threshold_below, rate_of_change, missing_data) and
// additional predicates can be registered programmatically, which is where
// an anomaly-detection model plugs in.
package alert

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// Built-in predicate kinds.
const (
	PredicateThresholdAbove = "threshold_above"
	PredicateThresholdBelow = "threshold_below"
	PredicateRateOfChange   = "rate_of_change"
	PredicateMissingData    = "missing_data"
)

// Rule is one declarative alert rule.
type Rule struct {
	RuleID    string          `koanf:"rule_id" json:"rule_id"`
	Predicate string          `koanf:"predicate" json:"predicate"`
	Kind      string          `koanf:"kind" json:"kind"`
	Value     float64         `koanf:"value" json:"value"`
	HoldDown  time.Duration   `koanf:"hold_down" json:"hold_down"`
	Severity  models.Severity `koanf:"severity" json:"severity"`

	// Scope lists device IDs the rule applies to; "*" matches all.
	Scope []string `koanf:"scope" json:"scope"`

	// ForDuration applies to missing_data: how long a device may stay
	// silent for this kind before the alert opens.
	ForDuration time.Duration `koanf:"for_duration" json:"for_duration"`

	scopeSet map[string]bool
	wildcard bool
}

// compile builds the scope lookup. Called by NewRuleSet and
// Engine.RegisterPredicate.
func (r *Rule) compile() {
	r.scopeSet = make(map[string]bool, len(r.Scope))
	for _, s := range r.Scope {
		if s == "*" {
			r.wildcard = true
			continue
		}
		r.scopeSet[s] = true
	}
}

// AppliesTo reports whether the rule's scope covers a device.
func (r *Rule) AppliesTo(deviceID string) bool {
	return r.wildcard || r.scopeSet[deviceID]
}

// RuleSet is the validated collection of rules, indexed by sensor kind for
// fast per-reading lookup.
type RuleSet struct {
	Rules  []Rule
	byKind map[models.SensorKind][]*Rule
}

// ByKind returns the rules evaluating the given sensor kind.
func (rs *RuleSet) ByKind(kind models.SensorKind) []*Rule {
	return rs.byKind[kind]
}

// MissingDataRules returns the missing_data rules in the set.
func (rs *RuleSet) MissingDataRules() []*Rule {
	var out []*Rule
	for i := range rs.Rules {
		if rs.Rules[i].Predicate == PredicateMissingData {
			out = append(out, &rs.Rules[i])
		}
	}
	return out
}

// ruleFile is the YAML document shape of alerts.rules_path.
type ruleFile struct {
	Rules []Rule `koanf:"rules"`
}

// LoadRules reads and validates a rule file.
func LoadRules(path string, holdDownDefault time.Duration) (*RuleSet, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load rules file %s: %w", path, err)
	}
	var doc ruleFile
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return NewRuleSet(doc.Rules, holdDownDefault)
}

// NewRuleSet validates rules and builds the kind index.
func NewRuleSet(rules []Rule, holdDownDefault time.Duration) (*RuleSet, error) {
	rs := &RuleSet{Rules: rules, byKind: make(map[models.SensorKind][]*Rule)}
	seen := map[string]bool{}

	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.RuleID == "" {
			return nil, fmt.Errorf("rule %d: missing rule_id", i)
		}
		if seen[r.RuleID] {
			return nil, fmt.Errorf("duplicate rule_id %q", r.RuleID)
		}
		seen[r.RuleID] = true
		if r.Kind == "" {
			return nil, fmt.Errorf("rule %s: missing kind", r.RuleID)
		}
		if len(r.Scope) == 0 {
			r.Scope = []string{"*"}
		}
		if r.HoldDown <= 0 {
			r.HoldDown = holdDownDefault
		}
		if r.Severity == "" {
			r.Severity = models.SeverityWarning
		}

		switch r.Predicate {
		case PredicateThresholdAbove, PredicateThresholdBelow, PredicateRateOfChange:
		case PredicateMissingData:
			if r.ForDuration <= 0 {
				return nil, fmt.Errorf("rule %s: missing_data requires for_duration", r.RuleID)
			}
		default:
			return nil, fmt.Errorf("rule %s: unknown predicate %q", r.RuleID, r.Predicate)
		}

		r.compile()
		rs.byKind[models.SensorKind(r.Kind)] = append(rs.byKind[models.SensorKind(r.Kind)], r)
	}

	return rs, nil
}
