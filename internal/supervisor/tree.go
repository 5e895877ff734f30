// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package supervisor owns the gateway's process lifecycle through a
// Suture-based supervision tree.
//
// The tree has three layers with a strict shutdown order:
//
//	ingest   - MQTT subscriber, HTTP server (stops accepting first)
//	core     - pipeline shards (drain next; finite once ingest is closed)
//	delivery - write-ahead buffer flusher, subscriber hub, alert engine
//	           (stop last, after the pipeline has emptied into them)
//
// Within a layer, Suture restarts crashed services, pausing for
// FailureBackoff once FailureThreshold is exceeded. Across layers, Serve cancels contexts in dependency order and
// waits for each layer to stop before releasing the next.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
)

// TreeConfig holds the per-layer suture parameters.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default 5.
	FailureThreshold float64

	// FailureBackoff is the wait when the threshold is exceeded.
	// Default 15s.
	FailureBackoff time.Duration

	// LayerStopTimeout caps how long Serve waits for one layer to stop
	// before moving on. Default 35s (above the WAB drain deadline).
	LayerStopTimeout time.Duration
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.LayerStopTimeout <= 0 {
		c.LayerStopTimeout = 35 * time.Second
	}
	return c
}

// Tree is the three-layer supervision tree.
type Tree struct {
	cfg      TreeConfig
	ingest   *suture.Supervisor
	core     *suture.Supervisor
	delivery *suture.Supervisor

	// onShutdown hooks run once, at the start of graceful shutdown,
	// before any layer stops (used to flip /healthz).
	onShutdown []func()
}

// NewTree creates the tree. logger feeds suture's event hook through the
// zerolog-backed slog adapter.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	cfg = cfg.withDefaults()

	handler := &sutureslog.Handler{Logger: logger}
	spec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureBackoff:   cfg.FailureBackoff,
	}

	return &Tree{
		cfg:      cfg,
		ingest:   suture.New("ingest-layer", spec),
		core:     suture.New("core-layer", spec),
		delivery: suture.New("delivery-layer", spec),
	}
}

// AddIngestService registers a front-end service (MQTT, HTTP server).
func (t *Tree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddCoreService registers the pipeline.
func (t *Tree) AddCoreService(svc suture.Service) suture.ServiceToken {
	return t.core.Add(svc)
}

// AddDeliveryService registers a sink-side service (WAB flusher, hub,
// alert engine).
func (t *Tree) AddDeliveryService(svc suture.Service) suture.ServiceToken {
	return t.delivery.Add(svc)
}

// OnShutdown registers a hook invoked once when graceful shutdown begins.
func (t *Tree) OnShutdown(fn func()) {
	t.onShutdown = append(t.onShutdown, fn)
}

// Serve runs the tree until ctx is canceled, then stops the layers in
// dependency order: ingest, core, delivery. Returns the first unexpected
// layer error, if any.
func (t *Tree) Serve(ctx context.Context) error {
	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	coreCtx, cancelCore := context.WithCancel(context.Background())
	deliveryCtx, cancelDelivery := context.WithCancel(context.Background())
	defer cancelIngest()
	defer cancelCore()
	defer cancelDelivery()

	// Delivery first, core second, ingest last: downstream must be ready
	// before upstream produces.
	deliveryErr := t.delivery.ServeBackground(deliveryCtx)
	coreErr := t.core.ServeBackground(coreCtx)
	ingestErr := t.ingest.ServeBackground(ingestCtx)

	<-ctx.Done()
	logging.Info().Msg("shutdown requested, stopping layers in order")
	for _, fn := range t.onShutdown {
		fn()
	}

	var firstErr error
	record := func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}

	cancelIngest()
	record(t.waitLayer("ingest", ingestErr))

	cancelCore()
	record(t.waitLayer("core", coreErr))

	cancelDelivery()
	record(t.waitLayer("delivery", deliveryErr))

	logging.Info().Msg("supervisor tree stopped")
	return firstErr
}

// waitLayer waits for one layer's ServeBackground to finish, bounded by
// LayerStopTimeout.
func (t *Tree) waitLayer(name string, errCh <-chan error) error {
	select {
	case err := <-errCh:
		logging.Info().Str("layer", name).Msg("layer stopped")
		return err
	case <-time.After(t.cfg.LayerStopTimeout):
		logging.Error().
			Str("layer", name).
			Dur("timeout", t.cfg.LayerStopTimeout).
			Msg("layer did not stop within timeout")
		return errors.New("layer " + name + " stop timeout")
	}
}
