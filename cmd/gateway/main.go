// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package main is the entry point for the SmartSensor ingestion gateway.
//
// The gateway receives tire-pressure and environmental telemetry from field
// devices over MQTT and HTTP, validates and normalizes it, persists
// readings through a pluggable durable sink, fans out real-time updates to
// WebSocket subscribers, and raises alerts on threshold, rate-of-change and
// missing-data conditions.
//
// # Startup order
//
//  1. Configuration (Koanf v2: defaults, optional YAML file, environment)
//  2. Logging (zerolog)
//  3. Device registry
//  4. Durable sink adapter + write-ahead buffer
//  5. Subscriber hub and alert engine
//  6. Pipeline shards
//  7. Ingest front-ends (MQTT subscriber, HTTP server)
//  8. Supervision tree (suture) with ordered shutdown
//
// # Shutdown order
//
// On SIGINT/SIGTERM the tree stops ingest first (no new frames), drains
// the pipeline shards next (finite once ingest is closed), then flushes
// the write-ahead buffer within shutdown.drain_deadline and closes every
// subscriber socket. Readings that cannot be flushed before the deadline
// are counted in shutdown_lost_readings_total.
//
// # Minimal configuration
//
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export MQTT_BROKERS=tcp://broker:1883
//	export DURABLE_ADAPTER=sql
//	export DURABLE_DSN="postgres://gateway:...@db/readings?sslmode=require"
//	./gateway
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver for the sql durable adapter

	"github.com/hankooktech/smartsensor-gateway/internal/alert"
	"github.com/hankooktech/smartsensor-gateway/internal/api"
	"github.com/hankooktech/smartsensor-gateway/internal/auth"
	"github.com/hankooktech/smartsensor-gateway/internal/config"
	"github.com/hankooktech/smartsensor-gateway/internal/hub"
	"github.com/hankooktech/smartsensor-gateway/internal/ingest"
	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/pipeline"
	"github.com/hankooktech/smartsensor-gateway/internal/registry"
	"github.com/hankooktech/smartsensor-gateway/internal/sink"
	"github.com/hankooktech/smartsensor-gateway/internal/supervisor"
)

// registryTenants adapts the registry to the hub's tenant lookup.
type registryTenants struct {
	registry *registry.Registry
}

func (r registryTenants) TenantOf(deviceID string) (string, bool) {
	view, ok := r.registry.Snapshot(deviceID)
	if !ok {
		return "", false
	}
	return view.Tenant, true
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Bool("mqtt", cfg.Ingest.MQTT.Enabled).
		Str("http_bind", cfg.Ingest.HTTP.Bind).
		Str("durable_adapter", cfg.Durable.Adapter).
		Int("pipeline_shards", cfg.Pipeline.Shards).
		Msg("starting smartsensor gateway")

	// Device registry.
	reg := registry.New(registry.Config{
		Shards:              cfg.Registry.Shards,
		UnknownDevicePolicy: registry.UnknownDevicePolicy(cfg.Registry.UnknownDevicePolicy),
		HealthWindow:        cfg.Registry.HealthWindow,
		DefaultCadence:      cfg.Registry.DefaultCadence,
		IdleTTL:             cfg.Registry.IdleTTL,
	})

	// Durable sink adapter behind a circuit breaker, feeding the WAB.
	appender, cleanup, err := buildAppender(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize durable adapter")
	}
	defer cleanup()

	wab := sink.New(sink.NewBreakerAppender(appender, sink.BreakerConfig{}), sink.Config{
		Capacity:      cfg.Durable.WABCapacity,
		BatchSize:     cfg.Durable.BatchSize,
		BatchAge:      cfg.Durable.BatchAge,
		RetryMin:      cfg.Durable.RetryBackoffMin,
		RetryMax:      cfg.Durable.RetryBackoffMax,
		DrainDeadline: cfg.Shutdown.DrainDeadline,
	})

	// Subscriber hub.
	streamHub := hub.NewHub(hub.Config{
		OutboxCapacity:    cfg.Subscribers.OutboxCapacity,
		DropPolicy:        hub.DropPolicy(cfg.Subscribers.DropPolicy),
		HeartbeatInterval: cfg.Subscribers.HeartbeatInterval,
	}, registryTenants{registry: reg})

	// Alert engine.
	alertEngine, err := buildAlertEngine(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize alert engine")
	}

	// Pipeline core.
	pipe := pipeline.New(pipeline.Config{
		Shards:      cfg.Pipeline.Shards,
		QueueDepth:  cfg.Pipeline.DeviceQueue,
		SessionIdle: cfg.Pipeline.SessionIdle,
	}, wab, streamHub, alertEngine, reg)

	// Auth surface.
	jwtManager, err := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize jwt manager")
	}
	ipLimiter := auth.NewKeyedLimiter(cfg.Ingest.IPRate, cfg.Ingest.IPBurst)
	middleware := auth.NewMiddleware(jwtManager, ipLimiter)

	// Ingest front-ends.
	httpIngest := ingest.NewHTTPIngest(ingest.HTTPConfig{
		DeviceRate:   cfg.Ingest.DeviceRate,
		DeviceBurst:  cfg.Ingest.DeviceBurst,
		MaxClockSkew: cfg.Ingest.MaxClockSkew,
	}, pipe, reg)

	var mqttIngest *ingest.MQTTIngest
	if cfg.Ingest.MQTT.Enabled {
		mqttIngest = ingest.NewMQTTIngest(ingest.MQTTConfig{
			Brokers:      cfg.Ingest.MQTT.Brokers,
			TopicRoot:    cfg.Ingest.MQTT.TopicRoot,
			QoS:          byte(cfg.Ingest.MQTT.QoS),
			ClientID:     cfg.Ingest.MQTT.ClientID,
			Username:     cfg.Ingest.MQTT.Username,
			Password:     cfg.Ingest.MQTT.Password,
			CAFile:       cfg.Ingest.MQTT.CAFile,
			CertFile:     cfg.Ingest.MQTT.CertFile,
			KeyFile:      cfg.Ingest.MQTT.KeyFile,
			Keepalive:    cfg.Ingest.MQTT.Keepalive,
			ReconnectMax: cfg.Ingest.MQTT.ReconnectMax,
			Workers:      cfg.Ingest.MQTT.Workers,
			DeviceRate:   cfg.Ingest.DeviceRate,
			DeviceBurst:  cfg.Ingest.DeviceBurst,
			MaxClockSkew: cfg.Ingest.MaxClockSkew,
		}, pipe, reg)
	}

	// HTTP surface.
	var mqttProbe api.MQTTProbe
	if mqttIngest != nil {
		mqttProbe = mqttIngest
	}
	health := api.NewHealth(mqttProbe, wab)
	router := api.NewRouter(httpIngest, streamHub, health, api.NewAdminHandlers(reg), middleware)

	server := &http.Server{
		Addr:         cfg.Ingest.HTTP.Bind,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Supervision tree with ordered shutdown: ingest, core, delivery.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		LayerStopTimeout: cfg.Shutdown.DrainDeadline + 5*time.Second,
	})
	tree.OnShutdown(health.BeginShutdown)

	if mqttIngest != nil {
		tree.AddIngestService(supervisor.NewRunnerService("mqtt-ingest", mqttIngest))
	}
	tree.AddIngestService(supervisor.NewHTTPServerService(server, 10*time.Second))

	tree.AddCoreService(supervisor.NewRunnerService("pipeline", pipe))

	tree.AddDeliveryService(supervisor.NewRunnerService("durable-wab", wab))
	tree.AddDeliveryService(supervisor.NewRunnerService("subscriber-hub", streamHub))
	tree.AddDeliveryService(supervisor.NewRunnerService("alert-engine", alertEngine))
	tree.AddDeliveryService(supervisor.NewMonitorService(
		wab, streamHub, alertEngine,
		cfg.Durable.WABCapacity, cfg.Durable.HighWater, 15*time.Second))
	if cfg.Registry.IdleTTL > 0 {
		tree.AddDeliveryService(supervisor.NewRegistrySweeper(reg, cfg.Registry.IdleTTL/2))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("gateway running")
	if err := tree.Serve(ctx); err != nil {
		logging.Error().Err(err).Msg("supervisor tree error")
	}

	if lost := wab.LostReadings(); lost > 0 {
		logging.Warn().Int64("count", lost).Msg("readings lost at shutdown")
	}
	logging.Info().Msg("gateway stopped")
}

// buildAppender constructs the configured durable adapter.
func buildAppender(cfg *config.Config) (sink.Appender, func(), error) {
	switch cfg.Durable.Adapter {
	case "sql":
		db, err := sql.Open("postgres", cfg.Durable.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open durable store: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		appender, err := sink.NewSQLAppender(ctx, db, cfg.Durable.Table)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return appender, func() { _ = db.Close() }, nil
	case "noop":
		return &sink.NoopAppender{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown durable adapter %q", cfg.Durable.Adapter)
	}
}

// buildAlertEngine loads rules and wires the configured sink.
func buildAlertEngine(cfg *config.Config) (*alert.Engine, error) {
	var rules *alert.RuleSet
	var err error
	if cfg.Alerts.RulesPath != "" {
		rules, err = alert.LoadRules(cfg.Alerts.RulesPath, cfg.Alerts.HoldDownDefault)
		if err != nil {
			return nil, err
		}
		logging.Info().
			Int("count", len(rules.Rules)).
			Str("path", cfg.Alerts.RulesPath).
			Msg("alert rules loaded")
	} else {
		rules, err = alert.NewRuleSet(nil, cfg.Alerts.HoldDownDefault)
		if err != nil {
			return nil, err
		}
		logging.Info().Msg("no alert rules configured")
	}

	var alertSink alert.Sink = alert.LogSink{}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		alertSink = alert.NewWebhookSink(alert.WebhookConfig{
			URL:     cfg.Alerts.Webhook.URL,
			Headers: cfg.Alerts.Webhook.Headers,
		})
		logging.Info().Str("url", cfg.Alerts.Webhook.URL).Msg("webhook alert sink configured")
	}

	return alert.NewEngine(rules, alertSink, alert.Config{
		MaxReminderInterval: cfg.Alerts.MaxReminderInterval,
		DedupWindow:         cfg.Alerts.DedupWindow,
	}), nil
}
