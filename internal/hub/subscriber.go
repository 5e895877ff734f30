// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package hub

import (
	"sync"
	"sync/atomic"

	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// Principal is the authenticated identity behind a subscription.
type Principal struct {
	Subject string
	Tenant  string
	Admin   bool
}

// Filter selects which readings a subscriber receives.
type Filter struct {
	// Devices lists device IDs, or contains "*" for all devices the
	// principal may see.
	Devices []string `json:"devices"`

	// Kinds masks sensor kinds; empty means all kinds.
	Kinds []string `json:"kinds"`

	devices  map[string]bool
	wildcard bool
	kinds    map[models.SensorKind]bool
}

// compile builds the lookup sets. Called once at subscribe time.
func (f *Filter) compile() {
	f.devices = make(map[string]bool, len(f.Devices))
	for _, d := range f.Devices {
		if d == "*" {
			f.wildcard = true
			continue
		}
		f.devices[d] = true
	}
	if len(f.Kinds) > 0 {
		f.kinds = make(map[models.SensorKind]bool, len(f.Kinds))
		for _, k := range f.Kinds {
			f.kinds[models.SensorKind(k)] = true
		}
	}
}

// outboxEntry pairs the shared encoded blob with its pipeline sequence so
// the subscriber can track last_delivered_seq.
type outboxEntry struct {
	blob []byte
	seq  uint64
}

// Subscriber is one WebSocket client's subscription state.
type Subscriber struct {
	ID        string
	Principal Principal

	filter     Filter
	dropPolicy DropPolicy
	tenants    TenantResolver

	outbox chan outboxEntry

	dropped          atomic.Int64
	lastDeliveredSeq atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	// closeReason is set before closed is signaled; the writer goroutine
	// uses it for the close frame.
	closeReason string
}

// newSubscriber builds subscription state; the transport side (conn pumps)
// lives in client.go.
func newSubscriber(id string, principal Principal, filter Filter, cfg Config, tenants TenantResolver) *Subscriber {
	filter.compile()
	return &Subscriber{
		ID:         id,
		Principal:  principal,
		filter:     filter,
		dropPolicy: cfg.DropPolicy,
		tenants:    tenants,
		outbox:     make(chan outboxEntry, cfg.OutboxCapacity),
		closed:     make(chan struct{}),
	}
}

// matches reports whether the subscriber should receive the reading. The
// tenant check runs on every reading, not just at subscribe time, so a
// wildcard filter still cannot cross the tenant boundary.
func (s *Subscriber) matches(r models.Reading) bool {
	if !s.filter.wildcard && !s.filter.devices[r.DeviceID] {
		return false
	}
	if s.filter.kinds != nil && !s.filter.kinds[r.SensorKind] {
		return false
	}
	if !s.Principal.Admin && s.tenants != nil {
		tenant, ok := s.tenants.TenantOf(r.DeviceID)
		if ok && tenant != "" && tenant != s.Principal.Tenant {
			return false
		}
	}
	return true
}

// offer enqueues an encoded frame without blocking. Returns false only when
// the outbox is full and the policy is disconnect; the hub then severs the
// subscriber.
func (s *Subscriber) offer(blob []byte, seq uint64) bool {
	select {
	case s.outbox <- outboxEntry{blob: blob, seq: seq}:
		return true
	default:
	}

	if s.dropPolicy == DropPolicyDisconnect {
		return false
	}

	// slow_drop: evict the oldest undelivered frame to make room. The
	// writer may race us for the head; losing that race just means the
	// outbox has room now.
	select {
	case <-s.outbox:
		s.dropped.Add(1)
		metrics.SubscriberDroppedFrames.WithLabelValues(s.ID).Inc()
	default:
	}
	select {
	case s.outbox <- outboxEntry{blob: blob, seq: seq}:
	default:
		s.dropped.Add(1)
		metrics.SubscriberDroppedFrames.WithLabelValues(s.ID).Inc()
	}
	return true
}

// Dropped returns the number of frames dropped from this outbox.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// LastDeliveredSeq returns the sequence of the last frame handed to the
// socket writer.
func (s *Subscriber) LastDeliveredSeq() uint64 { return s.lastDeliveredSeq.Load() }

func (s *Subscriber) closeWithReason(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closed)
	})
}

func (s *Subscriber) closeSlow()     { s.closeWithReason("subscriber too slow") }
func (s *Subscriber) closeShutdown() { s.closeWithReason("server shutting down") }

// closeOutbox signals the writer that no more frames will arrive. The
// outbox channel itself is never closed; the closed channel gates the
// writer instead, which avoids racing concurrent offers.
func (s *Subscriber) closeOutbox() { s.closeWithReason("") }
