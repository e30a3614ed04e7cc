// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfiesch/SFCrime/internal/logging"
)

// Router assembles the full HTTP surface: middleware, the versioned API,
// health, metrics, and the WebSocket endpoint.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(h.cfg.Server.RateLimit, h.cfg.Server.RateLimitWindow))

		r.Get("/calls", h.handleListCalls)
		r.Get("/calls/{cad}", h.handleGetCall)
		r.Get("/incidents", h.handleListIncidents)
		r.Get("/sync/status", h.handleSyncStatus)
		r.Post("/sync/{source}", h.handleTriggerSync)
		r.Post("/backfill/incidents", h.handleBackfillIncidents)
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
