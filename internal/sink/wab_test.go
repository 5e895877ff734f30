// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package sink

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

// recordingAppender captures appended batches and can be told to fail.
type recordingAppender struct {
	mu       sync.Mutex
	readings []models.Reading
	failing  atomic.Bool
	appends  atomic.Int64
}

func (a *recordingAppender) Append(_ context.Context, readings []models.Reading) (int64, error) {
	a.appends.Add(1)
	if a.failing.Load() {
		return 0, errors.New("store unavailable")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readings = append(a.readings, readings...)
	return int64(len(a.readings)), nil
}

func (a *recordingAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.readings)
}

func testReading(id string, seq uint64) models.Reading {
	return models.Reading{
		DeviceID:   id,
		SensorKind: models.SensorPressure,
		Value:      220,
		Quality:    models.QualityGood,
		Seq:        seq,
	}
}

func TestWAB_WriteAndFlush(t *testing.T) {
	appender := &recordingAppender{}
	wab := New(appender, Config{
		Capacity:  100,
		BatchSize: 10,
		BatchAge:  10 * time.Millisecond,
		RetryMin:  time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wab.Run(ctx) }()

	for i := 0; i < 25; i++ {
		if err := wab.Write([]models.Reading{testReading("HK_1", uint64(i))}); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return appender.count() == 25 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if wab.Depth() != 0 {
		t.Errorf("depth = %d after flush, want 0", wab.Depth())
	}
	if wab.HighWaterMark() != 25 {
		t.Errorf("hwm = %d, want 25", wab.HighWaterMark())
	}
}

func TestWAB_WouldBlockWhenFull(t *testing.T) {
	wab := New(&recordingAppender{}, Config{Capacity: 3, BatchSize: 100, BatchAge: time.Hour})

	for i := 0; i < 3; i++ {
		if err := wab.Write([]models.Reading{testReading("HK_1", uint64(i))}); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	err := wab.Write([]models.Reading{testReading("HK_1", 3)})
	if !errors.Is(err, ErrWouldBlock) {
		t.Errorf("err = %v, want ErrWouldBlock", err)
	}
}

func TestWAB_BatchIsAllOrNothing(t *testing.T) {
	wab := New(&recordingAppender{}, Config{Capacity: 3, BatchSize: 100, BatchAge: time.Hour})

	if err := wab.Write([]models.Reading{testReading("HK_1", 0), testReading("HK_1", 1)}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	// Two more readings do not fit; none may be accepted.
	err := wab.Write([]models.Reading{testReading("HK_1", 2), testReading("HK_1", 3)})
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
	if wab.Depth() != 2 {
		t.Errorf("depth = %d, want 2 (partial batch must not be admitted)", wab.Depth())
	}
}

func TestWAB_RetriesUntilStoreRecovers(t *testing.T) {
	appender := &recordingAppender{}
	appender.failing.Store(true)

	wab := New(appender, Config{
		Capacity:  100,
		BatchSize: 5,
		BatchAge:  5 * time.Millisecond,
		RetryMin:  time.Millisecond,
		RetryMax:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = wab.Run(ctx) }()

	for i := 0; i < 10; i++ {
		if err := wab.Write([]models.Reading{testReading("HK_1", uint64(i))}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	// Let the flusher fail a few times, then recover the store.
	waitFor(t, time.Second, func() bool { return appender.appends.Load() >= 3 })
	if appender.count() != 0 {
		t.Fatalf("store recorded %d readings while failing", appender.count())
	}

	appender.failing.Store(false)
	waitFor(t, time.Second, func() bool { return appender.count() == 10 })
}

func TestWAB_PreservesOrderAcrossRetry(t *testing.T) {
	appender := &recordingAppender{}
	appender.failing.Store(true)

	wab := New(appender, Config{
		Capacity:  100,
		BatchSize: 3,
		BatchAge:  5 * time.Millisecond,
		RetryMin:  time.Millisecond,
		RetryMax:  2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = wab.Run(ctx) }()

	for i := 0; i < 20; i++ {
		if err := wab.Write([]models.Reading{testReading("HK_1", uint64(i))}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return appender.appends.Load() >= 2 })
	appender.failing.Store(false)
	waitFor(t, time.Second, func() bool { return appender.count() == 20 })

	appender.mu.Lock()
	defer appender.mu.Unlock()
	for i, r := range appender.readings {
		if r.Seq != uint64(i) {
			t.Fatalf("reading %d has seq %d, order not preserved", i, r.Seq)
		}
	}
}

func TestWAB_DrainCountsLostReadings(t *testing.T) {
	appender := &recordingAppender{}
	appender.failing.Store(true)

	wab := New(appender, Config{
		Capacity:      100,
		BatchSize:     10,
		BatchAge:      time.Hour, // only drain will flush
		RetryMin:      time.Millisecond,
		RetryMax:      2 * time.Millisecond,
		DrainDeadline: 20 * time.Millisecond,
	})

	for i := 0; i < 7; i++ {
		if err := wab.Write([]models.Reading{testReading("HK_1", uint64(i))}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := wab.Run(ctx); err != nil {
		t.Errorf("Run returned %v", err)
	}

	if wab.LostReadings() != 7 {
		t.Errorf("lost = %d, want 7", wab.LostReadings())
	}
}

func TestWAB_LastWriteAge(t *testing.T) {
	wab := New(&recordingAppender{}, Config{Capacity: 10})

	if age := wab.LastWriteAge(time.Now()); age < time.Hour {
		t.Errorf("age before first write = %v, want very large", age)
	}

	wab.lastWriteNano.Store(time.Now().Add(-30 * time.Second).UnixNano())
	age := wab.LastWriteAge(time.Now())
	if age < 29*time.Second || age > 31*time.Second {
		t.Errorf("age = %v, want ~30s", age)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
