// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package pipeline is the ordered per-device processing core.
//
// A hash of the device ID selects one of S shards (power of two). Each shard
// owns a FIFO and a single worker that drains it in arrival order, which
// yields strict per-device ordering across storage, broadcast and alert
// evaluation without per-device locks. The worker does not advance to the
// next item until the durable sink has accepted the current item into the
// write-ahead buffer; a full buffer parks the shard, propagating
// backpressure to ingest instead of dropping readings.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/codec"
	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
	"github.com/hankooktech/smartsensor-gateway/internal/sink"
)

// ErrBusy is returned by TrySubmit when the target shard's queue is full.
// HTTP ingest translates it into 503 with Retry-After.
var ErrBusy = errors.New("pipeline shard queue full")

// ErrClosed is returned once the pipeline has stopped accepting work.
var ErrClosed = errors.New("pipeline closed")

// DurableWriter is the C5 contract: accept into the write-ahead buffer or
// report ErrWouldBlock.
type DurableWriter interface {
	Write(readings []models.Reading) error
}

// Broadcaster is the C6 contract: non-blocking fan-out.
type Broadcaster interface {
	Broadcast(r models.Reading)
}

// Evaluator is the C7 contract: non-blocking rule evaluation.
type Evaluator interface {
	Process(r models.Reading)
}

// Toucher is the registry update applied after each processed item.
type Toucher interface {
	Touch(deviceID string, ingestTS time.Time, quality models.Quality, batteryV float64)
}

// Config tunes the pipeline.
type Config struct {
	// Shards is the lane count, rounded up to a power of two. Default 64.
	Shards int

	// QueueDepth bounds each shard's FIFO. Default 256.
	QueueDepth int

	// SessionIdle destroys a device session after this long without
	// frames. Default 5m.
	SessionIdle time.Duration

	// ParkRetryMin and ParkRetryMax bound the poll interval while a shard
	// is parked on a full write-ahead buffer. Defaults 10ms and 1s.
	ParkRetryMin time.Duration
	ParkRetryMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 64
	}
	n := 1
	for n < c.Shards {
		n <<= 1
	}
	c.Shards = n
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = 5 * time.Minute
	}
	if c.ParkRetryMin <= 0 {
		c.ParkRetryMin = 10 * time.Millisecond
	}
	if c.ParkRetryMax <= 0 {
		c.ParkRetryMax = time.Second
	}
	return c
}

// Item is one frame admitted to the pipeline.
type Item struct {
	Envelope codec.Envelope
	Readings []models.Reading
	Device   models.DeviceView

	// Ack is invoked at most once, after every reading of the frame has
	// been accepted into the write-ahead buffer. It is not invoked when
	// shutdown interrupts the wait for buffer space. MQTT ingest uses it
	// for manual QoS 1 acknowledgment; it is nil for HTTP frames.
	Ack func()
}

// Pipeline is the sharded processing core.
type Pipeline struct {
	cfg      Config
	durable  DurableWriter
	hub      Broadcaster
	alerts   Evaluator
	registry Toucher

	shards []chan Item
	mask   uint32

	mu     sync.Mutex
	closed bool

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a pipeline writing to the given sinks. hub, alerts and
// registry may be nil in tests.
func New(cfg Config, durable DurableWriter, hub Broadcaster, alerts Evaluator, registry Toucher) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:      cfg,
		durable:  durable,
		hub:      hub,
		alerts:   alerts,
		registry: registry,
		shards:   make([]chan Item, cfg.Shards),
		mask:     uint32(cfg.Shards - 1),
		now:      time.Now,
	}
	for i := range p.shards {
		p.shards[i] = make(chan Item, cfg.QueueDepth)
	}
	return p
}

func (p *Pipeline) shardIndex(deviceID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return h.Sum32() & p.mask
}

// TrySubmit enqueues a frame without blocking. Returns ErrBusy when the
// shard queue is full and ErrClosed after shutdown has begun.
func (p *Pipeline) TrySubmit(item Item) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	idx := p.shardIndex(item.Envelope.DeviceID)
	select {
	case p.shards[idx] <- item:
		metrics.PipelineQueueDepth.WithLabelValues(metrics.ShardLabel(int(idx))).Set(float64(len(p.shards[idx])))
		return nil
	default:
		return ErrBusy
	}
}

// Submit enqueues a frame, blocking while the shard queue is full. MQTT
// ingest uses it so that upstream acknowledgment stalls under backpressure
// instead of dropping frames.
func (p *Pipeline) Submit(ctx context.Context, item Item) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	idx := p.shardIndex(item.Envelope.DeviceID)
	select {
	case p.shards[idx] <- item:
		metrics.PipelineQueueDepth.WithLabelValues(metrics.ShardLabel(int(idx))).Set(float64(len(p.shards[idx])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the shard workers and blocks until the context is canceled and
// every shard has drained. Ingest must be stopped before cancellation so the
// drain is finite.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range p.shards {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.runShard(ctx, idx)
		}(i)
	}

	<-ctx.Done()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	wg.Wait()
	logging.Info().Msg("pipeline drained")
	return ctx.Err()
}

// runShard is the single-writer lane worker.
func (p *Pipeline) runShard(ctx context.Context, idx int) {
	sessions := newSessionTable(p.cfg.SessionIdle)
	sweep := time.NewTicker(p.cfg.SessionIdle)
	defer sweep.Stop()

	queue := p.shards[idx]
	label := metrics.ShardLabel(idx)

	for {
		select {
		case item := <-queue:
			metrics.PipelineQueueDepth.WithLabelValues(label).Set(float64(len(queue)))
			p.process(ctx, sessions, item)
		case <-sweep.C:
			sessions.expire(p.now())
		case <-ctx.Done():
			// Ingest is already closed; drain what remains, then exit.
			for {
				select {
				case item := <-queue:
					p.process(ctx, sessions, item)
				default:
					metrics.PipelineQueueDepth.WithLabelValues(label).Set(0)
					return
				}
			}
		}
	}
}

// process runs the five pipeline steps for one frame. The worker does not
// return until the durable sink accepted the readings, preserving the
// per-device total order across C5, C6 and C7.
func (p *Pipeline) process(ctx context.Context, sessions *sessionTable, item Item) {
	now := p.now()
	sess := sessions.resolve(item.Envelope.DeviceID, item.Device, now)

	readings := item.Readings
	var batteryV float64
	var ambientHPa float64
	worst := models.QualityGood

	for i := range readings {
		r := &readings[i]
		r.IngestTimestamp = now
		r.Seq = sess.nextSeq()

		// Quarantined devices produce suspect data until confirmed.
		if sess.device.Quarantined && r.Quality == models.QualityGood {
			r.Quality = models.QualitySuspect
		}

		switch r.Quality {
		case models.QualityInvalid:
			metrics.ReadingsInvalidTotal.Inc()
			if worst != models.QualityInvalid {
				worst = models.QualityInvalid
			}
		case models.QualitySuspect:
			metrics.ReadingsSuspectTotal.Inc()
			if worst == models.QualityGood {
				worst = models.QualitySuspect
			}
		}

		if r.SensorKind == models.SensorBattery && r.Quality == models.QualityGood {
			batteryV = r.Value
		}
		if r.SensorKind == models.SensorPressure && r.Position == models.PositionNone && r.Quality == models.QualityGood {
			ambientHPa = r.Value * 10.0
		}
	}

	// Derived fields: altitude from ambient barometric pressure.
	if ambientHPa > 0 {
		readings = append(readings, models.Reading{
			DeviceID:        item.Envelope.DeviceID,
			SensorKind:      models.SensorAltitude,
			Position:        models.PositionNone,
			Value:           codec.AltitudeFromPressure(ambientHPa),
			Unit:            models.CanonicalUnit(models.SensorAltitude),
			DeviceTimestamp: item.Envelope.DeviceTimestamp,
			IngestTimestamp: now,
			Quality:         models.QualityGood,
			Seq:             sess.nextSeq(),
		})
	}

	// C5 first: park the shard until the write-ahead buffer accepts the
	// frame. Readings must not be observable by subscribers before this.
	if !p.offerDurable(ctx, readings) {
		// Shutdown interrupted the park. The frame was never accepted into
		// the buffer and is not acked upstream; it is counted as lost on
		// this side because HTTP frames were already 202'd.
		metrics.ShutdownLostReadings.Add(float64(len(readings)))
		return
	}
	if item.Ack != nil {
		item.Ack()
	}

	// C6 and C7 are non-blocking enqueues with their own drop policies.
	if p.hub != nil {
		for i := range readings {
			p.hub.Broadcast(readings[i])
		}
	}
	if p.alerts != nil {
		for i := range readings {
			p.alerts.Process(readings[i])
		}
	}

	if p.registry != nil {
		p.registry.Touch(item.Envelope.DeviceID, now, worst, batteryV)
	}
	sess.lastActivity = now
}

// offerDurable writes the frame to the WAB, parking with bounded polling
// while the buffer is full. Returns false only when the context is canceled
// before acceptance.
func (p *Pipeline) offerDurable(ctx context.Context, readings []models.Reading) bool {
	if p.durable == nil {
		return true
	}
	backoff := p.cfg.ParkRetryMin
	for {
		err := p.durable.Write(readings)
		if err == nil {
			return true
		}
		if !errors.Is(err, sink.ErrWouldBlock) {
			// The WAB contract only fails with WouldBlock; anything else is
			// a programming error worth surfacing loudly.
			logging.Error().Err(err).Msg("unexpected durable write error")
			return true
		}

		metrics.PipelineStallsTotal.Inc()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.ParkRetryMax {
			backoff = p.cfg.ParkRetryMax
		}
	}
}
