// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package config loads gateway configuration from layered sources via
// Koanf v2: struct defaults, then an optional YAML file, then environment
// variables (highest priority). Configuration errors are fatal at startup,
// never mid-run.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration tree.
type Config struct {
	Ingest      IngestConfig      `koanf:"ingest"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Durable     DurableConfig     `koanf:"durable"`
	Subscribers SubscribersConfig `koanf:"subscribers"`
	Alerts      AlertsConfig      `koanf:"alerts"`
	Registry    RegistryConfig    `koanf:"registry"`
	Security    SecurityConfig    `koanf:"security"`
	Shutdown    ShutdownConfig    `koanf:"shutdown"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// IngestConfig covers both front-end entry points.
type IngestConfig struct {
	MQTT MQTTIngestConfig `koanf:"mqtt"`
	HTTP HTTPIngestConfig `koanf:"http"`

	// MaxClockSkew rejects device timestamps drifting further than this
	// from server time.
	MaxClockSkew time.Duration `koanf:"max_clock_skew"`

	// DeviceRate and DeviceBurst bound the per-device token bucket.
	DeviceRate  float64 `koanf:"device_rate"`
	DeviceBurst int     `koanf:"device_burst"`

	// IPRate and IPBurst bound the per-source-IP token bucket.
	IPRate  float64 `koanf:"ip_rate"`
	IPBurst int     `koanf:"ip_burst"`
}

// MQTTIngestConfig configures the upstream broker session.
type MQTTIngestConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Brokers      []string      `koanf:"brokers"`
	TopicRoot    string        `koanf:"topic_root"`
	QoS          int           `koanf:"qos"`
	ClientID     string        `koanf:"client_id"`
	Username     string        `koanf:"username"`
	Password     string        `koanf:"password"`
	CAFile       string        `koanf:"ca_file"`
	CertFile     string        `koanf:"cert_file"`
	KeyFile      string        `koanf:"key_file"`
	Keepalive    time.Duration `koanf:"keepalive"`
	ReconnectMax time.Duration `koanf:"reconnect_max"`
	Workers      int           `koanf:"workers"`
}

// HTTPIngestConfig configures the HTTP listener.
type HTTPIngestConfig struct {
	Bind string `koanf:"bind"`
}

// PipelineConfig configures the sharded core.
type PipelineConfig struct {
	Shards      int           `koanf:"shards"`
	DeviceQueue int           `koanf:"device_queue"`
	SessionIdle time.Duration `koanf:"session_idle"`
}

// DurableConfig configures the write-ahead buffer and store adapter.
type DurableConfig struct {
	// Adapter selects the built-in appender: "sql" or "noop".
	Adapter string `koanf:"adapter"`

	// DSN is the database connection string for the sql adapter.
	DSN   string `koanf:"dsn"`
	Table string `koanf:"table"`

	BatchSize       int           `koanf:"batch_size"`
	BatchAge        time.Duration `koanf:"batch_age_ms"`
	WABCapacity     int           `koanf:"wab_capacity"`
	RetryBackoffMin time.Duration `koanf:"retry_backoff_min"`
	RetryBackoffMax time.Duration `koanf:"retry_backoff_max"`

	// HighWater is the WAB occupancy fraction that raises a gateway
	// self-alert.
	HighWater float64 `koanf:"high_water"`
}

// SubscribersConfig configures the WebSocket hub.
type SubscribersConfig struct {
	OutboxCapacity    int           `koanf:"outbox_capacity"`
	DropPolicy        string        `koanf:"drop_policy"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// AlertsConfig configures the rule engine.
type AlertsConfig struct {
	RulesPath           string        `koanf:"rules_path"`
	HoldDownDefault     time.Duration `koanf:"hold_down_default"`
	MaxReminderInterval time.Duration `koanf:"max_reminder_interval"`
	DedupWindow         time.Duration `koanf:"dedup_window"`

	// Webhook optionally routes alerts to an HTTP endpoint instead of the
	// structured log.
	Webhook WebhookAlertConfig `koanf:"webhook"`
}

// WebhookAlertConfig configures the webhook alert sink.
type WebhookAlertConfig struct {
	Enabled bool              `koanf:"enabled"`
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`
}

// RegistryConfig configures the device registry.
type RegistryConfig struct {
	Shards              int           `koanf:"shards"`
	UnknownDevicePolicy string        `koanf:"unknown_device_policy"`
	HealthWindow        int           `koanf:"health_window"`
	DefaultCadence      time.Duration `koanf:"default_cadence"`
	IdleTTL             time.Duration `koanf:"idle_ttl"`
}

// SecurityConfig configures the HTTP auth surface.
type SecurityConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

// ShutdownConfig configures graceful drain.
type ShutdownConfig struct {
	DrainDeadline time.Duration `koanf:"drain_deadline"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate fails fast on configuration the gateway cannot run with.
func (c *Config) Validate() error {
	if !c.Ingest.MQTT.Enabled && c.Ingest.HTTP.Bind == "" {
		return fmt.Errorf("no ingest path configured: enable mqtt or set ingest.http.bind")
	}
	if c.Ingest.MQTT.Enabled && len(c.Ingest.MQTT.Brokers) == 0 {
		return fmt.Errorf("ingest.mqtt.enabled requires ingest.mqtt.brokers")
	}
	if c.Ingest.MQTT.Enabled && (c.Ingest.MQTT.QoS < 1 || c.Ingest.MQTT.QoS > 2) {
		return fmt.Errorf("ingest.mqtt.qos must be 1 or 2, got %d", c.Ingest.MQTT.QoS)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	switch c.Durable.Adapter {
	case "sql":
		if c.Durable.DSN == "" {
			return fmt.Errorf("durable.adapter=sql requires durable.dsn")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown durable.adapter %q", c.Durable.Adapter)
	}
	switch c.Subscribers.DropPolicy {
	case "slow_drop", "disconnect":
	default:
		return fmt.Errorf("subscribers.drop_policy must be slow_drop or disconnect, got %q", c.Subscribers.DropPolicy)
	}
	switch c.Registry.UnknownDevicePolicy {
	case "reject", "auto_provision", "quarantine":
	default:
		return fmt.Errorf("registry.unknown_device_policy must be reject, auto_provision or quarantine, got %q",
			c.Registry.UnknownDevicePolicy)
	}
	if c.Durable.HighWater <= 0 || c.Durable.HighWater > 1 {
		return fmt.Errorf("durable.high_water must be in (0,1], got %v", c.Durable.HighWater)
	}
	return nil
}
