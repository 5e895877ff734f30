// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package registry holds the authoritative in-memory map of known devices.
//
// The registry is sharded by a hash of the device ID to bound lock
// contention under high ingest fan-in. Writers take a per-shard mutex;
// readers resolve snapshots through a per-shard atomic pointer without
// locking. The registry is the only writer of Device state; every other
// component works against immutable DeviceView copies.
package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// UnknownDevicePolicy decides what happens when a frame arrives from a
// device the registry has never seen.
type UnknownDevicePolicy string

const (
	// PolicyReject refuses frames from unknown devices.
	PolicyReject UnknownDevicePolicy = "reject"

	// PolicyAutoProvision creates the device with kind=unknown on first
	// authenticated contact.
	PolicyAutoProvision UnknownDevicePolicy = "auto_provision"

	// PolicyQuarantine accepts readings but marks them suspect until an
	// operator confirms the device.
	PolicyQuarantine UnknownDevicePolicy = "quarantine"
)

// ResolveStatus is the outcome of a Resolve call.
type ResolveStatus int

const (
	// ResolveOK means the device is known and the credentials matched.
	ResolveOK ResolveStatus = iota

	// ResolveUnknown means no device with this ID exists and the policy
	// rejected it.
	ResolveUnknown

	// ResolveAuthFailed means the device exists but the presented
	// credentials do not match its fingerprint.
	ResolveAuthFailed
)

// Config configures the registry.
type Config struct {
	// Shards is the shard count; rounded up to a power of two. Default 16.
	Shards int

	// UnknownDevicePolicy defaults to PolicyReject.
	UnknownDevicePolicy UnknownDevicePolicy

	// HealthWindow is the number of recent frame qualities the health score
	// considers. Default 32.
	HealthWindow int

	// DefaultCadence is assumed for devices that never declared one.
	// Default 1 minute.
	DefaultCadence time.Duration

	// IdleTTL evicts devices silent for longer than this when EvictIdle
	// runs. Zero disables TTL eviction.
	IdleTTL time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Shards <= 0 {
		out.Shards = 16
	}
	out.Shards = nextPowerOfTwo(out.Shards)
	if out.UnknownDevicePolicy == "" {
		out.UnknownDevicePolicy = PolicyReject
	}
	if out.HealthWindow <= 0 {
		out.HealthWindow = 32
	}
	if out.DefaultCadence <= 0 {
		out.DefaultCadence = time.Minute
	}
	return out
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// record pairs the authoritative Device with its rolling health window.
type record struct {
	device    models.Device
	qualities []models.Quality // ring, oldest first after fill
	qHead     int
	qFull     bool
	batteryV  float64
}

type shard struct {
	mu       sync.Mutex
	records  map[string]*record
	snapshot atomic.Pointer[map[string]models.DeviceView]
}

// Registry is the sharded device map.
type Registry struct {
	cfg    Config
	shards []*shard
	mask   uint32
}

// New creates a registry with the given configuration.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		mask:   uint32(cfg.Shards - 1),
	}
	for i := range r.shards {
		s := &shard{records: make(map[string]*record)}
		empty := map[string]models.DeviceView{}
		s.snapshot.Store(&empty)
		r.shards[i] = s
	}
	return r
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return r.shards[h.Sum32()&r.mask]
}

// Fingerprint hashes a credential into the stored fingerprint form.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Resolve authenticates an inbound frame's device identity.
//
// Known device + matching credentials returns ResolveOK and a snapshot.
// Unknown devices follow the configured policy: reject returns
// ResolveUnknown; auto_provision creates the device (kind=unknown) with the
// presented credential as its fingerprint; quarantine does the same but
// flags the device so its readings grade suspect.
func (r *Registry) Resolve(deviceID, credential string, now time.Time) (models.DeviceView, ResolveStatus) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[deviceID]
	if ok {
		if !fingerprintMatches(rec.device.CredentialsFingerprint, credential) {
			return models.DeviceView{}, ResolveAuthFailed
		}
		return rec.device.View(), ResolveOK
	}

	switch r.cfg.UnknownDevicePolicy {
	case PolicyAutoProvision, PolicyQuarantine:
		rec = &record{
			device: models.Device{
				DeviceID:               deviceID,
				Kind:                   models.DeviceKindUnknown,
				CredentialsFingerprint: Fingerprint(credential),
				KnownSince:             now,
				LastSeenAt:             now,
				HealthScore:            100,
				Quarantined:            r.cfg.UnknownDevicePolicy == PolicyQuarantine,
				Cadence:                r.cfg.DefaultCadence,
			},
			qualities: make([]models.Quality, r.cfg.HealthWindow),
		}
		s.records[deviceID] = rec
		s.publishSnapshotLocked()
		logging.Info().
			Str("device_id", deviceID).
			Str("policy", string(r.cfg.UnknownDevicePolicy)).
			Msg("unknown device provisioned")
		return rec.device.View(), ResolveOK
	default:
		return models.DeviceView{}, ResolveUnknown
	}
}

// ResolveTrusted resolves a device identity that was already authenticated
// by the transport (the MQTT broker verifies client certificates before the
// gateway ever sees a frame). Known devices skip the fingerprint check;
// unknown devices follow the configured policy with an empty credential.
func (r *Registry) ResolveTrusted(deviceID string, now time.Time) (models.DeviceView, ResolveStatus) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	if rec, ok := s.records[deviceID]; ok {
		view := rec.device.View()
		s.mu.Unlock()
		return view, ResolveOK
	}
	s.mu.Unlock()
	return r.Resolve(deviceID, "", now)
}

func fingerprintMatches(stored, credential string) bool {
	presented := Fingerprint(credential)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// Touch updates last-seen and rolls the health window after a frame is
// processed. batteryV is 0 when the frame carried no battery reading.
func (r *Registry) Touch(deviceID string, ingestTS time.Time, quality models.Quality, batteryV float64) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[deviceID]
	if !ok {
		return
	}

	rec.device.LastSeenAt = ingestTS
	rec.qualities[rec.qHead] = quality
	rec.qHead = (rec.qHead + 1) % len(rec.qualities)
	if rec.qHead == 0 {
		rec.qFull = true
	}
	if batteryV > 0 {
		rec.batteryV = batteryV
	}

	rec.device.HealthScore = HealthScore(HealthInputs{
		Qualities:      rec.window(),
		SinceLastFrame: 0, // a frame just arrived
		Cadence:        rec.device.Cadence,
		BatteryVolts:   rec.batteryV,
	})
	s.publishSnapshotLocked()
}

func (rec *record) window() []models.Quality {
	if rec.qFull {
		out := make([]models.Quality, 0, len(rec.qualities))
		out = append(out, rec.qualities[rec.qHead:]...)
		out = append(out, rec.qualities[:rec.qHead]...)
		return out
	}
	return rec.qualities[:rec.qHead]
}

// Snapshot returns an immutable view of one device. The read is lock-free
// against the shard's snapshot pointer.
func (r *Registry) Snapshot(deviceID string) (models.DeviceView, bool) {
	snap := r.shardFor(deviceID).snapshot.Load()
	view, ok := (*snap)[deviceID]
	return view, ok
}

// SnapshotAll returns views of every known device.
func (r *Registry) SnapshotAll() []models.DeviceView {
	var out []models.DeviceView
	for _, s := range r.shards {
		snap := s.snapshot.Load()
		for _, v := range *snap {
			out = append(out, v)
		}
	}
	return out
}

// Provision creates or replaces a device via the admin path.
func (r *Registry) Provision(dev models.Device) {
	if dev.Cadence <= 0 {
		dev.Cadence = r.cfg.DefaultCadence
	}
	if dev.HealthScore == 0 {
		dev.HealthScore = 100
	}
	s := r.shardFor(dev.DeviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[dev.DeviceID] = &record{
		device:    dev,
		qualities: make([]models.Quality, r.cfg.HealthWindow),
	}
	s.publishSnapshotLocked()
}

// Confirm clears the quarantine flag set by the quarantine policy.
func (r *Registry) Confirm(deviceID string, kind models.DeviceKind) bool {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return false
	}
	rec.device.Quarantined = false
	if kind != "" {
		rec.device.Kind = kind
	}
	s.publishSnapshotLocked()
	return true
}

// Evict removes a device via the admin path.
func (r *Registry) Evict(deviceID string) bool {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[deviceID]; !ok {
		return false
	}
	delete(s.records, deviceID)
	s.publishSnapshotLocked()
	return true
}

// EvictIdle removes devices silent for longer than the configured IdleTTL.
// Returns the number of evicted devices. No-op when IdleTTL is zero.
func (r *Registry) EvictIdle(now time.Time) int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-r.cfg.IdleTTL)
	evicted := 0
	for _, s := range r.shards {
		s.mu.Lock()
		changed := false
		for id, rec := range s.records {
			if rec.device.LastSeenAt.Before(cutoff) {
				delete(s.records, id)
				evicted++
				changed = true
			}
		}
		if changed {
			s.publishSnapshotLocked()
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		logging.Info().Int("count", evicted).Msg("idle devices evicted")
	}
	return evicted
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		n += len(*s.snapshot.Load())
	}
	return n
}

// publishSnapshotLocked rebuilds the shard's read snapshot. Must be called
// with the shard mutex held.
func (s *shard) publishSnapshotLocked() {
	snap := make(map[string]models.DeviceView, len(s.records))
	for id, rec := range s.records {
		snap[id] = rec.device.View()
	}
	s.snapshot.Store(&snap)
}
