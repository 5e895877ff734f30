// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package hub

import (
	"io"
	"testing"

	"github.com/goccy/go-json"

	"github.com/hankooktech/smartsensor-gateway/internal/codec"
	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

// staticTenants maps device IDs to tenants for tests.
type staticTenants map[string]string

func (s staticTenants) TenantOf(deviceID string) (string, bool) {
	t, ok := s[deviceID]
	return t, ok
}

func reading(device string, kind models.SensorKind, seq uint64) models.Reading {
	return models.Reading{DeviceID: device, SensorKind: kind, Value: 220, Quality: models.QualityGood, Seq: seq}
}

// attach registers a bare subscriber without a socket; tests drain the
// outbox directly.
func attach(h *Hub, filter Filter, principal Principal) *Subscriber {
	sub := newSubscriber("sub-"+principal.Subject, principal, filter, h.cfg, h.tenants)
	h.register(sub)
	return sub
}

func drainSeqs(s *Subscriber) []uint64 {
	var seqs []uint64
	for {
		select {
		case entry := <-s.outbox:
			seqs = append(seqs, entry.seq)
		default:
			return seqs
		}
	}
}

func TestFilter_Matching(t *testing.T) {
	h := NewHub(Config{OutboxCapacity: 8}, nil)

	tests := []struct {
		name   string
		filter Filter
		r      models.Reading
		want   bool
	}{
		{"wildcard matches any device", Filter{Devices: []string{"*"}}, reading("HK_9", models.SensorPressure, 1), true},
		{"device list matches", Filter{Devices: []string{"HK_1", "HK_2"}}, reading("HK_2", models.SensorPressure, 1), true},
		{"device list excludes", Filter{Devices: []string{"HK_1"}}, reading("HK_2", models.SensorPressure, 1), false},
		{"kind mask includes", Filter{Devices: []string{"*"}, Kinds: []string{"pressure"}}, reading("HK_1", models.SensorPressure, 1), true},
		{"kind mask excludes", Filter{Devices: []string{"*"}, Kinds: []string{"pressure"}}, reading("HK_1", models.SensorHumidity, 1), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := attach(h, tc.filter, Principal{Subject: "t", Admin: true})
			defer h.unregister(sub)
			if got := sub.matches(tc.r); got != tc.want {
				t.Errorf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilter_TenantBoundary(t *testing.T) {
	tenants := staticTenants{"HK_A": "acme", "HK_B": "globex"}
	h := NewHub(Config{OutboxCapacity: 8}, tenants)

	nonAdmin := attach(h, Filter{Devices: []string{"*"}}, Principal{Subject: "user", Tenant: "acme"})
	admin := attach(h, Filter{Devices: []string{"*"}}, Principal{Subject: "ops", Admin: true})

	if !nonAdmin.matches(reading("HK_A", models.SensorPressure, 1)) {
		t.Error("subscriber must see devices of its own tenant")
	}
	if nonAdmin.matches(reading("HK_B", models.SensorPressure, 1)) {
		t.Error("wildcard filter must not cross the tenant boundary")
	}
	if !admin.matches(reading("HK_B", models.SensorPressure, 1)) {
		t.Error("admin subscriber must see all tenants")
	}
}

func TestBroadcast_SharedBlobAndDelivery(t *testing.T) {
	h := NewHub(Config{OutboxCapacity: 8}, nil)
	subA := attach(h, Filter{Devices: []string{"*"}}, Principal{Subject: "a", Admin: true})
	subB := attach(h, Filter{Devices: []string{"HK_OTHER"}}, Principal{Subject: "b", Admin: true})

	h.Broadcast(reading("HK_1", models.SensorPressure, 7))

	seqsA := drainSeqs(subA)
	if len(seqsA) != 1 || seqsA[0] != 7 {
		t.Errorf("subscriber A got %v, want [7]", seqsA)
	}
	if got := drainSeqs(subB); len(got) != 0 {
		t.Errorf("non-matching subscriber got %v, want none", got)
	}
}

func TestBroadcast_FrameShape(t *testing.T) {
	h := NewHub(Config{OutboxCapacity: 8}, nil)
	sub := attach(h, Filter{Devices: []string{"HK_1"}}, Principal{Subject: "a", Admin: true})

	h.Broadcast(reading("HK_1", models.SensorPressure, 3))

	entry := <-sub.outbox
	var event codec.ReadingEvent
	if err := json.Unmarshal(entry.blob, &event); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if event.Type != "reading" {
		t.Errorf("type = %q, want reading", event.Type)
	}
	if event.Reading.DeviceID != "HK_1" || event.Reading.Seq != 3 {
		t.Errorf("reading = %+v", event.Reading)
	}
}

func TestSlowDrop_DropsOldestKeepsOrder(t *testing.T) {
	h := NewHub(Config{OutboxCapacity: 4, DropPolicy: DropPolicySlowDrop}, nil)
	slow := attach(h, Filter{Devices: []string{"*"}}, Principal{Subject: "slow", Admin: true})
	fast := attach(h, Filter{Devices: []string{"*"}}, Principal{Subject: "fast", Admin: true})

	// The slow subscriber never drains; broadcast 10 frames.
	for i := 1; i <= 10; i++ {
		h.Broadcast(reading("HK_1", models.SensorPressure, uint64(i)))
		// Fast subscriber drains each frame immediately.
		if got := drainSeqs(fast); len(got) != 1 || got[0] != uint64(i) {
			t.Fatalf("fast subscriber got %v at frame %d", got, i)
		}
	}

	if slow.Dropped() != 6 {
		t.Errorf("dropped = %d, want 6", slow.Dropped())
	}

	seqs := drainSeqs(slow)
	if len(seqs) != 4 {
		t.Fatalf("slow subscriber holds %d frames, want 4", len(seqs))
	}
	// The survivors are the newest frames in broadcast order.
	want := []uint64{7, 8, 9, 10}
	for i, seq := range seqs {
		if seq != want[i] {
			t.Errorf("survivor %d = seq %d, want %d", i, seq, want[i])
		}
	}

	if h.SubscriberCount() != 2 {
		t.Errorf("slow_drop must keep the subscriber connected, count = %d", h.SubscriberCount())
	}
}

func TestDisconnectPolicy_SeversSlowSubscriber(t *testing.T) {
	h := NewHub(Config{OutboxCapacity: 2, DropPolicy: DropPolicyDisconnect}, nil)
	sub := attach(h, Filter{Devices: []string{"*"}}, Principal{Subject: "slow", Admin: true})

	for i := 1; i <= 5; i++ {
		h.Broadcast(reading("HK_1", models.SensorPressure, uint64(i)))
	}

	if h.SubscriberCount() != 0 {
		t.Errorf("count = %d, want 0 after disconnect", h.SubscriberCount())
	}
	select {
	case <-sub.closed:
	default:
		t.Error("subscriber not marked closed")
	}
	if sub.closeReason != "subscriber too slow" {
		t.Errorf("close reason = %q", sub.closeReason)
	}
}

func TestBroadcast_PerDeviceOrderPreserved(t *testing.T) {
	h := NewHub(Config{OutboxCapacity: 64}, nil)
	sub := attach(h, Filter{Devices: []string{"*"}}, Principal{Subject: "a", Admin: true})

	for i := 1; i <= 20; i++ {
		h.Broadcast(reading("HK_1", models.SensorPressure, uint64(i)))
	}

	seqs := drainSeqs(sub)
	if len(seqs) != 20 {
		t.Fatalf("got %d frames, want 20", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("frames out of order at %d: %v", i, seqs)
		}
	}
}
