// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package pipeline

import (
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// session is the per-device state owned by exactly one shard worker. No
// locking: the single-writer lane is the concurrency control.
type session struct {
	deviceID     string
	device       models.DeviceView
	seq          uint64
	createdAt    time.Time
	lastActivity time.Time
}

// nextSeq returns the next strictly increasing per-device sequence number.
func (s *session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// sessionTable maps device IDs to sessions within one shard.
type sessionTable struct {
	idle     time.Duration
	sessions map[string]*session
}

func newSessionTable(idle time.Duration) *sessionTable {
	return &sessionTable{
		idle:     idle,
		sessions: make(map[string]*session),
	}
}

// resolve returns the device's session, creating it on first sight. The
// cached DeviceView refreshes on every frame so quarantine changes take
// effect promptly.
func (t *sessionTable) resolve(deviceID string, device models.DeviceView, now time.Time) *session {
	sess, ok := t.sessions[deviceID]
	if !ok {
		sess = &session{
			deviceID:     deviceID,
			createdAt:    now,
			lastActivity: now,
		}
		t.sessions[deviceID] = sess
		metrics.SessionsActive.Inc()
	}
	sess.device = device
	return sess
}

// expire destroys sessions idle for longer than the configured period.
func (t *sessionTable) expire(now time.Time) {
	cutoff := now.Add(-t.idle)
	for id, sess := range t.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(t.sessions, id)
			metrics.SessionsActive.Dec()
		}
	}
}
