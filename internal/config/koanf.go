// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"gateway.yaml",
	"gateway.yml",
	"/etc/smartsensor/gateway.yaml",
	"/etc/smartsensor/gateway.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "GATEWAY_CONFIG"

// defaultConfig returns the built-in defaults, overridden by config file
// and environment.
func defaultConfig() *Config {
	return &Config{
		Ingest: IngestConfig{
			MQTT: MQTTIngestConfig{
				Enabled:      true,
				Brokers:      []string{"tcp://127.0.0.1:1883"},
				TopicRoot:    "smartsensor",
				QoS:          1,
				ClientID:     "smartsensor-gateway",
				Keepalive:    30 * time.Second,
				ReconnectMax: 60 * time.Second,
				Workers:      4,
			},
			HTTP: HTTPIngestConfig{
				Bind: "0.0.0.0:8080",
			},
			MaxClockSkew: 24 * time.Hour,
			DeviceRate:   50,
			DeviceBurst:  100,
			IPRate:       200,
			IPBurst:      400,
		},
		Pipeline: PipelineConfig{
			Shards:      64,
			DeviceQueue: 256,
			SessionIdle: 5 * time.Minute,
		},
		Durable: DurableConfig{
			Adapter:         "noop",
			Table:           "readings",
			BatchSize:       1000,
			BatchAge:        500 * time.Millisecond,
			WABCapacity:     1_000_000,
			RetryBackoffMin: 100 * time.Millisecond,
			RetryBackoffMax: 30 * time.Second,
			HighWater:       0.8,
		},
		Subscribers: SubscribersConfig{
			OutboxCapacity:    1024,
			DropPolicy:        "slow_drop",
			HeartbeatInterval: 15 * time.Second,
		},
		Alerts: AlertsConfig{
			RulesPath:           "",
			HoldDownDefault:     60 * time.Second,
			MaxReminderInterval: 0,
			DedupWindow:         10 * time.Minute,
		},
		Registry: RegistryConfig{
			Shards:              16,
			UnknownDevicePolicy: "reject",
			HealthWindow:        32,
			DefaultCadence:      time.Minute,
			IdleTTL:             0,
		},
		Security: SecurityConfig{
			JWTIssuer: "smartsensor-gateway",
		},
		Shutdown: ShutdownConfig{
			DrainDeadline: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, file and environment, then
// validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"ingest.mqtt.brokers",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransform maps environment variable names to koanf paths. Unmapped
// variables are skipped so stray environment noise cannot pollute the
// configuration.
func envTransform(key string) string {
	mappings := map[string]string{
		"MQTT_ENABLED":       "ingest.mqtt.enabled",
		"MQTT_BROKERS":       "ingest.mqtt.brokers",
		"MQTT_TOPIC_ROOT":    "ingest.mqtt.topic_root",
		"MQTT_QOS":           "ingest.mqtt.qos",
		"MQTT_CLIENT_ID":     "ingest.mqtt.client_id",
		"MQTT_USERNAME":      "ingest.mqtt.username",
		"MQTT_PASSWORD":      "ingest.mqtt.password",
		"MQTT_CA_FILE":       "ingest.mqtt.ca_file",
		"MQTT_CERT_FILE":     "ingest.mqtt.cert_file",
		"MQTT_KEY_FILE":      "ingest.mqtt.key_file",
		"MQTT_KEEPALIVE":     "ingest.mqtt.keepalive",
		"MQTT_RECONNECT_MAX": "ingest.mqtt.reconnect_max",
		"MQTT_WORKERS":       "ingest.mqtt.workers",

		"HTTP_BIND": "ingest.http.bind",

		"INGEST_MAX_CLOCK_SKEW": "ingest.max_clock_skew",
		"INGEST_DEVICE_RATE":    "ingest.device_rate",
		"INGEST_DEVICE_BURST":   "ingest.device_burst",
		"INGEST_IP_RATE":        "ingest.ip_rate",
		"INGEST_IP_BURST":       "ingest.ip_burst",

		"PIPELINE_SHARDS":       "pipeline.shards",
		"PIPELINE_DEVICE_QUEUE": "pipeline.device_queue",
		"PIPELINE_SESSION_IDLE": "pipeline.session_idle",

		"DURABLE_ADAPTER":           "durable.adapter",
		"DURABLE_DSN":               "durable.dsn",
		"DURABLE_TABLE":             "durable.table",
		"DURABLE_BATCH_SIZE":        "durable.batch_size",
		"DURABLE_BATCH_AGE_MS":      "durable.batch_age_ms",
		"DURABLE_WAB_CAPACITY":      "durable.wab_capacity",
		"DURABLE_RETRY_BACKOFF_MIN": "durable.retry_backoff_min",
		"DURABLE_RETRY_BACKOFF_MAX": "durable.retry_backoff_max",
		"DURABLE_HIGH_WATER":        "durable.high_water",

		"SUBSCRIBERS_OUTBOX_CAPACITY":    "subscribers.outbox_capacity",
		"SUBSCRIBERS_DROP_POLICY":        "subscribers.drop_policy",
		"SUBSCRIBERS_HEARTBEAT_INTERVAL": "subscribers.heartbeat_interval",

		"ALERTS_RULES_PATH":            "alerts.rules_path",
		"ALERTS_HOLD_DOWN_DEFAULT":     "alerts.hold_down_default",
		"ALERTS_MAX_REMINDER_INTERVAL": "alerts.max_reminder_interval",
		"ALERTS_DEDUP_WINDOW":          "alerts.dedup_window",
		"ALERTS_WEBHOOK_ENABLED":       "alerts.webhook.enabled",
		"ALERTS_WEBHOOK_URL":           "alerts.webhook.url",

		"REGISTRY_SHARDS":                "registry.shards",
		"REGISTRY_UNKNOWN_DEVICE_POLICY": "registry.unknown_device_policy",
		"REGISTRY_HEALTH_WINDOW":         "registry.health_window",
		"REGISTRY_DEFAULT_CADENCE":       "registry.default_cadence",
		"REGISTRY_IDLE_TTL":              "registry.idle_ttl",

		"JWT_SECRET": "security.jwt_secret",
		"JWT_ISSUER": "security.jwt_issuer",

		"SHUTDOWN_DRAIN_DEADLINE": "shutdown.drain_deadline",

		"LOG_LEVEL":  "logging.level",
		"LOG_FORMAT": "logging.format",
		"LOG_CALLER": "logging.caller",
	}

	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}
