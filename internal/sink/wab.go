// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// ErrWouldBlock is returned by Write when the WAB is full. The pipeline
// responds by parking the shard: backpressure propagates to ingest instead
// of dropping readings.
var ErrWouldBlock = errors.New("write-ahead buffer full")

// Config tunes the write-ahead buffer and its flusher.
type Config struct {
	// Capacity is the maximum number of buffered readings. Default 1,000,000.
	Capacity int

	// BatchSize triggers a flush when this many readings are buffered.
	// Default 1,000.
	BatchSize int

	// BatchAge flushes a partial batch after this interval. Default 500ms.
	BatchAge time.Duration

	// RetryMin and RetryMax bound the exponential backoff applied to failed
	// store writes. Defaults 100ms and 30s. Writes retry indefinitely.
	RetryMin time.Duration
	RetryMax time.Duration

	// DrainDeadline caps how long shutdown waits for the buffer to flush.
	// Readings still buffered when it expires are counted as lost.
	// Default 30s.
	DrainDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1_000_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1_000
	}
	if c.BatchAge <= 0 {
		c.BatchAge = 500 * time.Millisecond
	}
	if c.RetryMin <= 0 {
		c.RetryMin = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 30 * time.Second
	}
	return c
}

// WAB is the bounded in-memory ring buffer between the pipeline and the
// durable store. Pipeline shards push on the left; a single flusher drains
// batches on the right. Entries are only removed after the store
// acknowledges them, so a mid-flush failure retries the same batch.
type WAB struct {
	cfg      Config
	appender Appender

	mu    sync.Mutex
	buf   []models.Reading
	head  int // index of oldest entry
	count int

	wake chan struct{}

	lastWriteNano atomic.Int64
	hwm           atomic.Int64
	lost          atomic.Int64
}

// New creates a WAB draining into the given appender.
func New(appender Appender, cfg Config) *WAB {
	cfg = cfg.withDefaults()
	return &WAB{
		cfg:      cfg,
		appender: appender,
		buf:      make([]models.Reading, cfg.Capacity),
		wake:     make(chan struct{}, 1),
	}
}

// Write accepts a batch into the buffer, all-or-nothing. Returns
// ErrWouldBlock when the buffer lacks space for the whole batch; accepting a
// prefix would break the per-device ordering invariant on retry.
func (w *WAB) Write(readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	w.mu.Lock()
	if w.count+len(readings) > len(w.buf) {
		w.mu.Unlock()
		return ErrWouldBlock
	}
	for _, r := range readings {
		w.buf[(w.head+w.count)%len(w.buf)] = r
		w.count++
	}
	depth := w.count
	w.mu.Unlock()

	metrics.DurableWABDepth.Set(float64(depth))
	if depth >= w.cfg.BatchSize {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Depth returns the number of buffered readings.
func (w *WAB) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// HighWaterMark returns the durable store's last acknowledged mark.
func (w *WAB) HighWaterMark() int64 { return w.hwm.Load() }

// LastWriteAge returns the elapsed time since the store last acknowledged a
// batch. Readiness checks require this to stay under a configured bound.
// Returns a very large duration before the first acknowledged write.
func (w *WAB) LastWriteAge(now time.Time) time.Duration {
	nano := w.lastWriteNano.Load()
	if nano == 0 {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(time.Unix(0, nano))
}

// LostReadings returns the count of readings abandoned at shutdown.
func (w *WAB) LostReadings() int64 { return w.lost.Load() }

// peekBatch copies up to BatchSize of the oldest entries without removing
// them. Entries are only committed after a successful append.
func (w *WAB) peekBatch(dst []models.Reading) []models.Reading {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.count
	if n > w.cfg.BatchSize {
		n = w.cfg.BatchSize
	}
	dst = dst[:0]
	for i := 0; i < n; i++ {
		dst = append(dst, w.buf[(w.head+i)%len(w.buf)])
	}
	return dst
}

// commit removes the n oldest entries after the store acknowledged them.
func (w *WAB) commit(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.head = (w.head + n) % len(w.buf)
	w.count -= n
	return w.count
}

// Run drains the buffer until the context is canceled, then performs a
// bounded drain of whatever remains. Designed for suture supervision.
func (w *WAB) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.BatchAge)
	defer ticker.Stop()

	backoff := w.cfg.RetryMin
	batch := make([]models.Reading, 0, w.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case <-w.wake:
		case <-ticker.C:
		}

		for {
			batch = w.peekBatch(batch)
			if len(batch) == 0 {
				break
			}

			start := time.Now()
			hwm, err := w.appender.Append(ctx, batch)
			if err != nil {
				metrics.DurableFlushErrors.Inc()
				logging.Warn().
					Err(err).
					Int("batch", len(batch)).
					Dur("backoff", backoff).
					Msg("durable flush failed, retrying")
				select {
				case <-ctx.Done():
					return w.drain()
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > w.cfg.RetryMax {
					backoff = w.cfg.RetryMax
				}
				continue
			}

			metrics.DurableFlushLatency.Observe(time.Since(start).Seconds())
			metrics.DurableReadingsWritten.Add(float64(len(batch)))
			w.hwm.Store(hwm)
			w.lastWriteNano.Store(time.Now().UnixNano())
			backoff = w.cfg.RetryMin

			depth := w.commit(len(batch))
			metrics.DurableWABDepth.Set(float64(depth))
			if depth < w.cfg.BatchSize {
				break
			}
		}
	}
}

// drain flushes the remaining buffer with a fresh deadline-bounded context.
// Readings that cannot be flushed before the deadline are counted as lost;
// the gateway is explicitly not a write-ahead log.
func (w *WAB) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainDeadline)
	defer cancel()

	backoff := w.cfg.RetryMin
	batch := make([]models.Reading, 0, w.cfg.BatchSize)

	for {
		batch = w.peekBatch(batch)
		if len(batch) == 0 {
			logging.Info().Msg("write-ahead buffer drained")
			return nil
		}

		hwm, err := w.appender.Append(ctx, batch)
		if err != nil {
			select {
			case <-ctx.Done():
				remaining := w.Depth()
				w.lost.Add(int64(remaining))
				metrics.ShutdownLostReadings.Add(float64(remaining))
				logging.Error().
					Int("lost", remaining).
					Dur("deadline", w.cfg.DrainDeadline).
					Msg("drain deadline expired, readings lost")
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.RetryMax {
				backoff = w.cfg.RetryMax
			}
			continue
		}

		w.hwm.Store(hwm)
		w.lastWriteNano.Store(time.Now().UnixNano())
		depth := w.commit(len(batch))
		metrics.DurableWABDepth.Set(float64(depth))
	}
}
