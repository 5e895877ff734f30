// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = testSecret
	return cfg
}

func TestDefaults_AreValidWithSecret(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Durable.WABCapacity != 1_000_000 {
		t.Errorf("wab capacity = %d", cfg.Durable.WABCapacity)
	}
	if cfg.Ingest.MQTT.QoS != 1 {
		t.Errorf("qos = %d", cfg.Ingest.MQTT.QoS)
	}
	if cfg.Shutdown.DrainDeadline != 30*time.Second {
		t.Errorf("drain deadline = %v", cfg.Shutdown.DrainDeadline)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing jwt secret", func(c *Config) { c.Security.JWTSecret = "" }},
		{"weak jwt secret", func(c *Config) { c.Security.JWTSecret = "short" }},
		{"no ingest path", func(c *Config) { c.Ingest.MQTT.Enabled = false; c.Ingest.HTTP.Bind = "" }},
		{"mqtt without brokers", func(c *Config) { c.Ingest.MQTT.Brokers = nil }},
		{"qos 0 refused", func(c *Config) { c.Ingest.MQTT.QoS = 0 }},
		{"sql adapter without dsn", func(c *Config) { c.Durable.Adapter = "sql" }},
		{"unknown adapter", func(c *Config) { c.Durable.Adapter = "s3" }},
		{"bad drop policy", func(c *Config) { c.Subscribers.DropPolicy = "spill" }},
		{"bad unknown device policy", func(c *Config) { c.Registry.UnknownDevicePolicy = "allow" }},
		{"bad high water", func(c *Config) { c.Durable.HighWater = 1.5 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_LayeredSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yamlBody := `
pipeline:
  shards: 32
durable:
  adapter: noop
  batch_size: 250
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("DURABLE_BATCH_SIZE", "500") // env beats file
	t.Setenv("MQTT_BROKERS", "tcp://a:1883, tcp://b:1883")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pipeline.Shards != 32 {
		t.Errorf("shards = %d, want 32 from file", cfg.Pipeline.Shards)
	}
	if cfg.Durable.BatchSize != 500 {
		t.Errorf("batch size = %d, want 500 from env", cfg.Durable.BatchSize)
	}
	if len(cfg.Ingest.MQTT.Brokers) != 2 || cfg.Ingest.MQTT.Brokers[1] != "tcp://b:1883" {
		t.Errorf("brokers = %v", cfg.Ingest.MQTT.Brokers)
	}
	if cfg.Subscribers.OutboxCapacity != 1024 {
		t.Errorf("outbox = %d, want default 1024", cfg.Subscribers.OutboxCapacity)
	}
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "/nonexistent/nope.yaml")
	t.Setenv("JWT_SECRET", "too-short")
	if _, err := Load(); err == nil {
		t.Error("expected error for weak secret")
	}
}

func TestEnvTransform_SkipsUnknownKeys(t *testing.T) {
	if got := envTransform("PATH"); got != "" {
		t.Errorf("PATH mapped to %q, must be skipped", got)
	}
	if got := envTransform("MQTT_QOS"); got != "ingest.mqtt.qos" {
		t.Errorf("MQTT_QOS mapped to %q", got)
	}
}
