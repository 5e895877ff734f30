// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/hankooktech/smartsensor-gateway/internal/auth"
	"github.com/hankooktech/smartsensor-gateway/internal/codec"
	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/pipeline"
	"github.com/hankooktech/smartsensor-gateway/internal/registry"
)

// MQTTConfig configures the upstream broker session.
type MQTTConfig struct {
	// Brokers lists endpoint URLs (tcp:// or ssl://) for failover.
	Brokers []string

	// TopicRoot prefixes the data topic pattern:
	// <root>/devices/+/data. Default "smartsensor".
	TopicRoot string

	// QoS is the subscription quality of service. The gateway requires at
	// least 1: acknowledgments are manual and only sent after the frame is
	// in the write-ahead buffer. Default 1.
	QoS byte

	// ClientID identifies the durable session. Default
	// "smartsensor-gateway".
	ClientID string

	Username string
	Password string

	// CAFile, CertFile and KeyFile enable TLS when set.
	CAFile   string
	CertFile string
	KeyFile  string

	// Keepalive is the MQTT keepalive interval. Default 30s.
	Keepalive time.Duration

	// ReconnectMax caps the exponential reconnect backoff. Default 60s.
	ReconnectMax time.Duration

	// Workers is the number of decode/submit workers. Default 4.
	Workers int

	// QueueDepth bounds the handler-to-worker queue. When full, the paho
	// receive path blocks, stalling upstream acknowledgments: the broker
	// holds undelivered messages. Default 512.
	QueueDepth int

	// DeviceRate and DeviceBurst bound per-device admission.
	// Defaults 50/s with burst 100.
	DeviceRate  float64
	DeviceBurst int

	// MaxClockSkew is forwarded to the codec.
	MaxClockSkew time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.TopicRoot == "" {
		c.TopicRoot = "smartsensor"
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ClientID == "" {
		c.ClientID = "smartsensor-gateway"
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 30 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 512
	}
	if c.DeviceRate <= 0 {
		c.DeviceRate = 50
	}
	if c.DeviceBurst <= 0 {
		c.DeviceBurst = 100
	}
	return c
}

// BlockingSubmitter is the pipeline surface the MQTT path needs: Submit
// blocks under backpressure so acknowledgments stall instead of dropping.
type BlockingSubmitter interface {
	Submit(ctx context.Context, item pipeline.Item) error
}

// MQTTIngest consumes device telemetry from the upstream broker.
type MQTTIngest struct {
	cfg      MQTTConfig
	decoder  codec.Decoder
	pipe     BlockingSubmitter
	resolver Resolver
	limiter  *auth.KeyedLimiter

	client mqtt.Client
	jobs   chan mqttJob
}

type mqttJob struct {
	topic   string
	payload []byte
	ack     func()
}

// NewMQTTIngest creates the subscriber. Run establishes the session.
func NewMQTTIngest(cfg MQTTConfig, pipe BlockingSubmitter, resolver Resolver) *MQTTIngest {
	cfg = cfg.withDefaults()
	return &MQTTIngest{
		cfg:      cfg,
		decoder:  codec.Decoder{MaxClockSkew: cfg.MaxClockSkew},
		pipe:     pipe,
		resolver: resolver,
		limiter:  auth.NewKeyedLimiter(cfg.DeviceRate, cfg.DeviceBurst),
		jobs:     make(chan mqttJob, cfg.QueueDepth),
	}
}

// topicPattern returns the subscription pattern.
func (m *MQTTIngest) topicPattern() string {
	return m.cfg.TopicRoot + "/devices/+/data"
}

// deviceIDFromTopic extracts the device segment of <root>/devices/<id>/data.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "devices" && parts[i+2] == "data" {
			return parts[i+1]
		}
	}
	return ""
}

// Connected reports whether the broker session is up. Feeds /readyz.
func (m *MQTTIngest) Connected() bool {
	return m.client != nil && m.client.IsConnectionOpen()
}

// Run connects to the broker and processes messages until the context is
// canceled. Reconnects use exponential backoff capped at ReconnectMax and
// resubscribe on every new connection; with QoS 1 and manual
// acknowledgment, unacknowledged messages are redelivered (at-least-once).
func (m *MQTTIngest) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(m.cfg.ReconnectMax).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetKeepAlive(m.cfg.Keepalive).
		// Inline handler dispatch: when the worker queue fills, the receive
		// path blocks and unacknowledged messages pile up at the broker.
		SetOrderMatters(true).
		SetAutoAckDisabled(true)

	for _, broker := range m.cfg.Brokers {
		opts.AddBroker(broker)
	}
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	if m.cfg.CAFile != "" {
		tlsConfig, err := m.tlsConfig()
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		metrics.MQTTConnected.Set(1)
		logging.Info().Str("topic", m.topicPattern()).Msg("mqtt connected, subscribing")
		token := client.Subscribe(m.topicPattern(), m.cfg.QoS, m.onMessage)
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				logging.Error().Err(err).Msg("mqtt subscribe failed")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.MQTTConnected.Set(0)
		metrics.MQTTReconnectsTotal.Inc()
		logging.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
	})

	m.client = mqtt.NewClient(opts)

	for i := 0; i < m.cfg.Workers; i++ {
		go m.worker(ctx)
	}

	token := m.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		// SetConnectRetry keeps trying in the background; a first-connect
		// error here is terminal misconfiguration (bad URL scheme).
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	m.client.Disconnect(250)
	metrics.MQTTConnected.Set(0)
	logging.Info().Msg("mqtt ingest stopped")
	return ctx.Err()
}

// onMessage runs on the paho receive path. It must stay cheap: the frame is
// handed to the worker queue, and blocking here when the queue is full is
// exactly the backpressure contract.
func (m *MQTTIngest) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.jobs <- mqttJob{topic: msg.Topic(), payload: msg.Payload(), ack: msg.Ack}
}

// worker decodes and submits frames.
func (m *MQTTIngest) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.jobs:
			m.handle(ctx, job)
		}
	}
}

func (m *MQTTIngest) handle(ctx context.Context, job mqttJob) {
	metrics.IngestFramesTotal.WithLabelValues("mqtt").Inc()
	now := time.Now()

	env, readings, err := m.decoder.Decode(job.payload, now)
	if err != nil {
		// Decode failures are not retried; redelivering a malformed frame
		// cannot fix it. Ack and count.
		metrics.IngestRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		logSampled().Err(err).Str("topic", job.topic).Msg("mqtt frame rejected")
		job.ack()
		return
	}

	// The payload identity must match the topic the broker authorized.
	if topicID := deviceIDFromTopic(job.topic); topicID != "" && topicID != env.DeviceID {
		metrics.IngestRejectedTotal.WithLabelValues("auth").Inc()
		logSampled().
			Str("topic", job.topic).
			Str("device_id", env.DeviceID).
			Msg("payload device_id does not match topic")
		job.ack()
		return
	}

	view, status := m.resolver.ResolveTrusted(env.DeviceID, now)
	if status != registry.ResolveOK {
		metrics.IngestRejectedTotal.WithLabelValues("auth").Inc()
		logSampled().Str("device_id", env.DeviceID).Msg("unknown device rejected")
		job.ack()
		return
	}

	if !m.limiter.Allow(env.DeviceID) {
		metrics.IngestRejectedTotal.WithLabelValues("rate_limit").Inc()
		logSampled().Str("device_id", env.DeviceID).Msg("device over ingest rate")
		job.ack()
		return
	}

	item := pipeline.Item{Envelope: env, Readings: readings, Device: view, Ack: job.ack}
	if err := m.pipe.Submit(ctx, item); err != nil {
		// Shutdown: the frame stays unacknowledged and the broker will
		// redeliver it to the next gateway instance.
		logging.Debug().Str("device_id", env.DeviceID).Msg("frame not submitted, left unacked")
	}
}

var rejectLogCounter atomic.Uint64

// logSampled promotes every 16th rejection to warn level; the rest stay at
// debug so a flood of bad frames cannot saturate the log.
func logSampled() *zerolog.Event {
	if rejectLogCounter.Add(1)%16 == 1 {
		return logging.Warn()
	}
	return logging.Debug()
}

func (m *MQTTIngest) tlsConfig() (*tls.Config, error) {
	caCert, err := os.ReadFile(m.cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates in %s", m.cfg.CAFile)
	}
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if m.cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
