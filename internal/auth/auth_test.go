// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package auth

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(testSecret, "test-gateway")
	if err != nil {
		t.Fatalf("NewJWTManager failed: %v", err)
	}
	return m
}

func TestNewJWTManager_RejectsWeakSecret(t *testing.T) {
	if _, err := NewJWTManager("short", ""); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("err = %v, want ErrWeakSecret", err)
	}
}

func TestJWT_RoundTrip(t *testing.T) {
	m := newManager(t)

	token, err := m.Generate("HK_000001", "acme", ScopeDevice, "HK_000001", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "HK_000001" || claims.Tenant != "acme" || claims.Scope != ScopeDevice {
		t.Errorf("claims = %+v", claims)
	}
}

func TestJWT_RejectsExpiredAndForeign(t *testing.T) {
	m := newManager(t)

	expired, err := m.Generate("x", "", ScopeDevice, "", -time.Minute)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := m.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token err = %v, want ErrInvalidToken", err)
	}

	other, _ := NewJWTManager("ffffffffffffffffffffffffffffffff", "test-gateway")
	foreign, _ := other.Generate("x", "", ScopeDevice, "", time.Hour)
	if _, err := m.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign token err = %v, want ErrInvalidToken", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/ingest", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	token, err := BearerToken(r)
	if err != nil || token != "abc123" {
		t.Errorf("token = %q, err = %v", token, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/stream?token=query456", nil)
	token, err = BearerToken(r)
	if err != nil || token != "query456" {
		t.Errorf("query token = %q, err = %v", token, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/ingest", nil)
	if _, err := BearerToken(r); !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}
}

func TestRequireScope(t *testing.T) {
	m := newManager(t)
	mw := NewMiddleware(m, nil)

	handler := mw.RequireScope(ScopeDevice)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Subject == "" {
			t.Error("claims missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	run := func(token string) int {
		r := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	deviceToken, _ := m.Generate("HK_1", "", ScopeDevice, "HK_1", time.Hour)
	adminToken, _ := m.Generate("ops", "", ScopeAdmin, "", time.Hour)
	subToken, _ := m.Generate("dash", "", ScopeSubscriber, "", time.Hour)

	if code := run(deviceToken); code != http.StatusNoContent {
		t.Errorf("device token code = %d", code)
	}
	if code := run(adminToken); code != http.StatusNoContent {
		t.Errorf("admin token code = %d, admin passes any scope", code)
	}
	if code := run(subToken); code != http.StatusForbidden {
		t.Errorf("subscriber token code = %d, want 403", code)
	}
	if code := run(""); code != http.StatusUnauthorized {
		t.Errorf("missing token code = %d, want 401", code)
	}
	if code := run("garbage"); code != http.StatusUnauthorized {
		t.Errorf("garbage token code = %d, want 401", code)
	}
}

func TestAuthenticateStream_ScopeCheck(t *testing.T) {
	m := newManager(t)
	mw := NewMiddleware(m, nil)

	subToken, _ := m.Generate("dash", "acme", ScopeSubscriber, "", time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	r.Header.Set("Authorization", "Bearer "+subToken)
	principal, err := mw.AuthenticateStream(r)
	if err != nil {
		t.Fatalf("AuthenticateStream failed: %v", err)
	}
	if principal.Tenant != "acme" || principal.Admin {
		t.Errorf("principal = %+v", principal)
	}

	deviceToken, _ := m.Generate("HK_1", "", ScopeDevice, "HK_1", time.Hour)
	r.Header.Set("Authorization", "Bearer "+deviceToken)
	if _, err := mw.AuthenticateStream(r); !errors.Is(err, ErrWrongScope) {
		t.Errorf("device token on stream err = %v, want ErrWrongScope", err)
	}
}

func TestKeyedLimiter(t *testing.T) {
	l := NewKeyedLimiter(1, 2) // 1/sec, burst 2

	if !l.Allow("HK_1") || !l.Allow("HK_1") {
		t.Fatal("burst must admit two events")
	}
	if l.Allow("HK_1") {
		t.Error("third immediate event must be rejected")
	}
	// Independent keys have independent buckets.
	if !l.Allow("HK_2") {
		t.Error("fresh key must be admitted")
	}
}

func TestKeyedLimiter_Cleanup(t *testing.T) {
	l := NewKeyedLimiter(1, 1)
	l.Allow("stale")
	l.mu.Lock()
	l.limiters["stale"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()
	l.Allow("fresh")

	l.cleanup(10 * time.Minute)
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1 after cleanup", l.Len())
	}
}

func TestPasswordHashing(t *testing.T) {
	hashed, err := HashPassword("sensor-ops-2024")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if err := CheckPassword(hashed, "sensor-ops-2024"); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := CheckPassword(hashed, "wrong"); !errors.Is(err, ErrBadCredential) {
		t.Errorf("wrong password err = %v, want ErrBadCredential", err)
	}
}
