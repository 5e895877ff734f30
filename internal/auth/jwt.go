// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package auth validates bearer tokens for HTTP ingest, the admin API and
// the subscriber stream, and applies per-device and per-IP admission
// control.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hankooktech/smartsensor-gateway/internal/hub"
)

// Scopes carried in token claims.
const (
	ScopeDevice     = "device"
	ScopeAdmin      = "admin"
	ScopeSubscriber = "subscriber"
)

// Errors returned by token verification.
var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrWrongScope    = errors.New("token scope not permitted here")
	ErrWeakSecret    = errors.New("jwt secret must be at least 32 characters")
	ErrBadCredential = errors.New("invalid credentials")
)

// Claims is the gateway's JWT claim set.
type Claims struct {
	jwt.RegisteredClaims
	Tenant   string `json:"tenant,omitempty"`
	Scope    string `json:"scope,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// JWTManager signs and verifies gateway tokens (HS256).
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager creates a manager. Weak secrets fail fast at startup.
func NewJWTManager(secret, issuer string) (*JWTManager, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if issuer == "" {
		issuer = "smartsensor-gateway"
	}
	return &JWTManager{secret: []byte(secret), issuer: issuer}, nil
}

// Generate mints a token for the given principal.
func (m *JWTManager) Generate(subject, tenant, scope, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenant:   tenant,
		Scope:    scope,
		DeviceID: deviceID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the bearer token from an Authorization header, or
// from the "token" query parameter as a fallback for WebSocket clients that
// cannot set headers.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", ErrMissingToken
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// HashPassword hashes an admin password for storage in configuration.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// CheckPassword compares an admin password against its stored hash.
func CheckPassword(hashed, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		return ErrBadCredential
	}
	return nil
}

// PrincipalFromClaims maps verified claims to a hub principal.
func PrincipalFromClaims(claims *Claims) hub.Principal {
	return hub.Principal{
		Subject: claims.Subject,
		Tenant:  claims.Tenant,
		Admin:   claims.Scope == ScopeAdmin,
	}
}
