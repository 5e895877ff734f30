// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/hankooktech/smartsensor-gateway/internal/hub"
)

type contextKey struct{}

var claimsContextKey = contextKey{}

// ClaimsFromContext returns the verified claims attached by RequireScope.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// Middleware bundles token verification and admission control for the HTTP
// surface.
type Middleware struct {
	jwt       *JWTManager
	ipLimiter *KeyedLimiter
}

// NewMiddleware creates the middleware. ipLimiter may be nil to disable the
// per-IP bucket.
func NewMiddleware(jwtManager *JWTManager, ipLimiter *KeyedLimiter) *Middleware {
	return &Middleware{jwt: jwtManager, ipLimiter: ipLimiter}
}

// RequireScope verifies the bearer token and enforces that its scope is one
// of the allowed scopes. Admin tokens pass any scope check.
func (m *Middleware) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		allowed[s] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := m.jwt.Verify(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !allowed[claims.Scope] && claims.Scope != ScopeAdmin {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitByIP rejects requests over the per-source-IP bucket with 429.
func (m *Middleware) RateLimitByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.ipLimiter != nil && !m.ipLimiter.Allow(clientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthenticateStream implements hub.Authenticator for the WebSocket
// handshake.
func (m *Middleware) AuthenticateStream(r *http.Request) (hub.Principal, error) {
	token, err := BearerToken(r)
	if err != nil {
		return hub.Principal{}, err
	}
	claims, err := m.jwt.Verify(token)
	if err != nil {
		return hub.Principal{}, err
	}
	if claims.Scope != ScopeSubscriber && claims.Scope != ScopeAdmin {
		return hub.Principal{}, ErrWrongScope
	}
	return PrincipalFromClaims(claims), nil
}

// clientIP extracts the caller address, honoring X-Forwarded-For from the
// nearest proxy hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
