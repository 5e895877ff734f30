// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package sink buffers accepted readings in a bounded in-memory write-ahead
// buffer (WAB) and flushes them in batches to a pluggable durable store.
//
// The WAB is explicitly NOT a write-ahead log: it does not survive process
// restarts. The durability floor is the last acknowledged batch; readings
// still buffered at shutdown past the drain deadline are counted in
// shutdown_lost_readings_total, never silently dropped.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// Appender is the contract to the external durable store. Implementations
// must be safe for use from a single flusher goroutine and should treat the
// batch as atomic where the backing store allows it.
type Appender interface {
	// Append durably writes a batch and returns the store's high-water mark.
	Append(ctx context.Context, readings []models.Reading) (int64, error)
}

// NoopAppender acknowledges every batch without writing anywhere. Used by
// tests and by deployments that only want live streaming.
type NoopAppender struct {
	count atomic.Int64
}

// Append implements Appender.
func (a *NoopAppender) Append(_ context.Context, readings []models.Reading) (int64, error) {
	return a.count.Add(int64(len(readings))), nil
}

// Count returns the number of readings acknowledged so far.
func (a *NoopAppender) Count() int64 { return a.count.Load() }

// SQLAppender writes batches to a readings table through database/sql.
// The postgres driver (lib/pq) is registered by the caller; the appender
// itself is driver-agnostic.
type SQLAppender struct {
	db    *sql.DB
	table string
	hwm   atomic.Int64
}

// NewSQLAppender creates an appender targeting the given table. The table
// is created if it does not exist.
func NewSQLAppender(ctx context.Context, db *sql.DB, table string) (*SQLAppender, error) {
	if table == "" {
		table = "readings"
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		device_id        varchar NOT NULL,
		sensor_kind      varchar NOT NULL,
		position         varchar NOT NULL DEFAULT '',
		value            double precision NOT NULL,
		unit             varchar NOT NULL DEFAULT '',
		quality          varchar NOT NULL,
		seq              bigint NOT NULL,
		device_timestamp timestamptz NOT NULL,
		ingest_timestamp timestamptz NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create readings table: %w", err)
	}
	return &SQLAppender{db: db, table: table}, nil
}

// Append implements Appender with a single multi-row INSERT per batch.
func (a *SQLAppender) Append(ctx context.Context, readings []models.Reading) (int64, error) {
	if len(readings) == 0 {
		return a.hwm.Load(), nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO " + a.table +
		" (device_id, sensor_kind, position, value, unit, quality, seq, device_timestamp, ingest_timestamp) VALUES ")
	args := make([]interface{}, 0, len(readings)*9)
	for i, r := range readings {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args,
			r.DeviceID, string(r.SensorKind), string(r.Position), r.Value, r.Unit,
			string(r.Quality), int64(r.Seq), r.DeviceTimestamp, r.IngestTimestamp)
	}

	if _, err := a.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return a.hwm.Load(), fmt.Errorf("append batch of %d: %w", len(readings), err)
	}
	return a.hwm.Add(int64(len(readings))), nil
}
