// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// Runner is the shape shared by the gateway's long-lived components:
// pipeline, WAB flusher, hub, alert engine and MQTT ingest all expose
// Run(ctx) error that returns on context cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService adapts a Runner to suture.Service.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps a runner under the given service name.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *RunnerService) String() string { return s.name }

// HTTPServerService adapts *http.Server to suture.Service with graceful
// shutdown.
type HTTPServerService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps an HTTP server. shutdownTimeout bounds the
// wait for in-flight requests on shutdown.
func NewHTTPServerService(server *http.Server, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service: ListenAndServe in a goroutine, graceful
// Shutdown on context cancellation.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer.
func (s *HTTPServerService) String() string { return "http-server" }

// WABStats is the monitoring surface of the write-ahead buffer.
type WABStats interface {
	Depth() int
}

// DropStats is the monitoring surface of the subscriber hub.
type DropStats interface {
	DroppedFrames() int64
}

// AlertEmitter receives gateway self-alerts.
type AlertEmitter interface {
	Emit(alert models.Alert)
}

// MonitorService watches the gateway's own pressure points and emits
// self-alerts through the same alert sink as device alerts, tagged with
// source=gateway.
type MonitorService struct {
	wab       WABStats
	hub       DropStats
	alerts    AlertEmitter
	capacity  int
	highWater float64
	interval  time.Duration

	wabAlerted   bool
	lastDropped  int64
	dropAlertMin int64
}

// NewMonitorService creates the self-monitor. capacity and highWater come
// from the durable configuration; interval defaults to 15s.
func NewMonitorService(wab WABStats, hub DropStats, alerts AlertEmitter, capacity int, highWater float64, interval time.Duration) *MonitorService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MonitorService{
		wab:          wab,
		hub:          hub,
		alerts:       alerts,
		capacity:     capacity,
		highWater:    highWater,
		interval:     interval,
		dropAlertMin: 1000,
	}
}

// Serve implements suture.Service.
func (m *MonitorService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check()
		}
	}
}

// String implements fmt.Stringer.
func (m *MonitorService) String() string { return "gateway-monitor" }

func (m *MonitorService) check() {
	now := time.Now().UTC()

	if m.wab != nil && m.capacity > 0 {
		occupancy := float64(m.wab.Depth()) / float64(m.capacity)
		switch {
		case occupancy >= m.highWater && !m.wabAlerted:
			m.wabAlerted = true
			m.alerts.Emit(models.Alert{
				DeviceID:  "gateway",
				RuleID:    "wab_high_water",
				Severity:  models.SeverityCritical,
				State:     models.AlertFiring,
				OpenedAt:  now,
				LastValue: occupancy,
				Threshold: m.highWater,
				Message:   "write-ahead buffer near capacity, ingest will stall",
				Source:    "gateway",
			})
		case occupancy < m.highWater/2 && m.wabAlerted:
			m.wabAlerted = false
			closed := now
			m.alerts.Emit(models.Alert{
				DeviceID:  "gateway",
				RuleID:    "wab_high_water",
				Severity:  models.SeverityCritical,
				State:     models.AlertResolved,
				OpenedAt:  now,
				ClosedAt:  &closed,
				LastValue: occupancy,
				Threshold: m.highWater,
				Source:    "gateway",
			})
		}
	}

	if m.hub != nil {
		dropped := m.hub.DroppedFrames()
		delta := dropped - m.lastDropped
		m.lastDropped = dropped
		if delta > m.dropAlertMin {
			m.alerts.Emit(models.Alert{
				DeviceID:  "gateway",
				RuleID:    "subscriber_drop_rate",
				Severity:  models.SeverityWarning,
				State:     models.AlertFiring,
				OpenedAt:  now,
				LastValue: float64(delta),
				Threshold: float64(m.dropAlertMin),
				Message:   "subscribers dropping frames faster than expected",
				Source:    "gateway",
			})
		}
	}
}

// RegistrySweeper runs periodic TTL eviction of idle devices.
type RegistrySweeper struct {
	registry interface{ EvictIdle(now time.Time) int }
	interval time.Duration
}

// NewRegistrySweeper creates the sweeper. interval defaults to 10m.
func NewRegistrySweeper(reg interface{ EvictIdle(now time.Time) int }, interval time.Duration) *RegistrySweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &RegistrySweeper{registry: reg, interval: interval}
}

// Serve implements suture.Service.
func (s *RegistrySweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.registry.EvictIdle(time.Now()); n > 0 {
				logging.Debug().Int("count", n).Msg("registry sweep evicted idle devices")
			}
		}
	}
}

// String implements fmt.Stringer.
func (s *RegistrySweeper) String() string { return "registry-sweeper" }
