// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package api assembles the gateway's HTTP surface: ingest, the subscriber
// stream, health probes, metrics, and the admin device API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hankooktech/smartsensor-gateway/internal/auth"
	"github.com/hankooktech/smartsensor-gateway/internal/hub"
)

// Router builds the chi handler tree.
type Router struct {
	ingest    http.Handler
	health    *Health
	admin     *AdminHandlers
	mw        *auth.Middleware
	subscribe *hub.Hub
}

// NewRouter wires the handlers. stream may be nil when the hub is disabled
// in tests.
func NewRouter(ingestHandler http.Handler, streamHub *hub.Hub, health *Health, admin *AdminHandlers, mw *auth.Middleware) *Router {
	return &Router{
		ingest:    ingestHandler,
		health:    health,
		admin:     admin,
		mw:        mw,
		subscribe: streamHub,
	}
}

// Handler returns the assembled chi router.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	// Probes and metrics require no auth: they sit behind the cluster
	// boundary and feed liveness/readiness checks.
	r.Get("/healthz", rt.health.Healthz)
	r.Get("/readyz", rt.health.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rt.mw.RateLimitByIP)
			r.Use(rt.mw.RequireScope(auth.ScopeDevice))
			r.Method(http.MethodPost, "/ingest", rt.ingest)
		})

		if rt.subscribe != nil {
			r.Get("/stream", rt.subscribe.Handler(rt.mw))
		}

		r.Group(func(r chi.Router) {
			r.Use(rt.mw.RequireScope(auth.ScopeAdmin))
			r.Get("/devices", rt.admin.ListDevices)
			r.Post("/devices", rt.admin.ProvisionDevice)
			r.Get("/devices/{deviceID}", rt.admin.GetDevice)
			r.Delete("/devices/{deviceID}", rt.admin.EvictDevice)
			r.Post("/devices/{deviceID}/confirm", rt.admin.ConfirmDevice)
		})
	})

	return r
}
