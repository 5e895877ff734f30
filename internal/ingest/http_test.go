// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package ingest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
	"github.com/hankooktech/smartsensor-gateway/internal/pipeline"
	"github.com/hankooktech/smartsensor-gateway/internal/registry"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

// fakePipe records submitted items and can simulate backpressure.
type fakePipe struct {
	mu    sync.Mutex
	items []pipeline.Item
	busy  bool
}

func (p *fakePipe) TrySubmit(item pipeline.Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return pipeline.ErrBusy
	}
	p.items = append(p.items, item)
	return nil
}

// fakeResolver admits listed devices.
type fakeResolver struct {
	known map[string]bool
}

func (r *fakeResolver) ResolveTrusted(deviceID string, _ time.Time) (models.DeviceView, registry.ResolveStatus) {
	if !r.known[deviceID] {
		return models.DeviceView{}, registry.ResolveUnknown
	}
	return models.DeviceView{DeviceID: deviceID, Kind: models.DeviceKindTPMS}, registry.ResolveOK
}

func postBatch(t *testing.T, h *HTTPIngest, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) batchResponse {
	t.Helper()
	var resp batchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHTTPIngest_AcceptsBatch(t *testing.T) {
	pipe := &fakePipe{}
	h := NewHTTPIngest(HTTPConfig{}, pipe, &fakeResolver{known: map[string]bool{"HK_1": true, "HK_2": true}})
	h.now = func() time.Time { return time.Date(2024, 1, 26, 14, 30, 30, 0, time.UTC) }

	w := postBatch(t, h, `[
		{"device_id":"HK_1","timestamp":"2024-01-26T14:30:25Z","sensors":{"temperature":20}},
		{"device_id":"HK_2","sensors":{"humidity":55}}
	]`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Accepted != 2 || resp.Rejected != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.BatchID == "" {
		t.Error("missing batch_id")
	}
	if len(pipe.items) != 2 {
		t.Errorf("pipeline got %d items", len(pipe.items))
	}
}

func TestHTTPIngest_RejectsBadFramesIndividually(t *testing.T) {
	pipe := &fakePipe{}
	h := NewHTTPIngest(HTTPConfig{}, pipe, &fakeResolver{known: map[string]bool{"HK_1": true}})

	w := postBatch(t, h, `[
		{"device_id":"HK_1","sensors":{"temperature":20}},
		{"sensors":{"temperature":21}},
		{"device_id":"HK_UNKNOWN","sensors":{"temperature":22}}
	]`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Accepted != 1 || resp.Rejected != 2 {
		t.Errorf("resp = %+v, want 1 accepted / 2 rejected", resp)
	}
}

func TestHTTPIngest_MalformedBodyIs400(t *testing.T) {
	h := NewHTTPIngest(HTTPConfig{}, &fakePipe{}, &fakeResolver{})
	w := postBatch(t, h, `{"not":"an array"`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", w.Code)
	}
}

func TestHTTPIngest_BackpressureIs503WithRetryAfter(t *testing.T) {
	pipe := &fakePipe{busy: true}
	h := NewHTTPIngest(HTTPConfig{RetryAfter: 2 * time.Second}, pipe, &fakeResolver{known: map[string]bool{"HK_1": true}})

	w := postBatch(t, h, `[{"device_id":"HK_1","sensors":{"temperature":20}}]`)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

func TestHTTPIngest_PerDeviceRateLimit(t *testing.T) {
	pipe := &fakePipe{}
	h := NewHTTPIngest(HTTPConfig{DeviceRate: 1, DeviceBurst: 2}, pipe, &fakeResolver{known: map[string]bool{"HK_1": true}})

	frame := `[{"device_id":"HK_1","sensors":{"temperature":20}}]`
	postBatch(t, h, frame)
	postBatch(t, h, frame)
	w := postBatch(t, h, frame)

	resp := decodeResponse(t, w)
	if resp.Accepted != 0 || resp.Rejected != 1 {
		t.Errorf("resp = %+v, want third frame rate limited", resp)
	}
	if len(pipe.items) != 2 {
		t.Errorf("pipeline got %d items, want 2", len(pipe.items))
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"smartsensor/devices/HK_000001/data", "HK_000001"},
		{"fleet/eu/devices/HK_2/data", "HK_2"},
		{"smartsensor/devices/HK_1/twin", ""},
		{"garbage", ""},
	}
	for _, tc := range tests {
		if got := deviceIDFromTopic(tc.topic); got != tc.want {
			t.Errorf("deviceIDFromTopic(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}

func TestMQTTConfig_Defaults(t *testing.T) {
	cfg := MQTTConfig{}.withDefaults()
	if cfg.QoS != 1 {
		t.Errorf("qos = %d, want 1", cfg.QoS)
	}
	if cfg.ReconnectMax != 60*time.Second {
		t.Errorf("reconnect max = %v, want 60s", cfg.ReconnectMax)
	}
	if cfg.TopicRoot != "smartsensor" {
		t.Errorf("topic root = %q", cfg.TopicRoot)
	}

	m := NewMQTTIngest(MQTTConfig{TopicRoot: "hk"}, nil, nil)
	if got := m.topicPattern(); got != "hk/devices/+/data" {
		t.Errorf("pattern = %q", got)
	}
}
