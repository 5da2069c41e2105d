// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

// Package api exposes the operational HTTP surface: health, collector
// status, one-shot trigger endpoints and Prometheus metrics. Source
// CRUD and user identity live in an external admin layer; this router
// only reports on and pokes the ingestion pipeline.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshwatch/meshwatch/internal/collector"
	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/metrics"
)

// Handler serves the operational API for a running collector manager.
type Handler struct {
	manager *collector.Manager
	version string
}

func NewHandler(manager *collector.Manager, version string) *Handler {
	return &Handler{manager: manager, version: version}
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.statusAll)
		r.Get("/status/{sourceID}", h.statusOne)
		r.Post("/sources/{sourceID}/sync", h.triggerSync)
		r.Post("/sources/{sourceID}/historical", h.triggerHistorical)
	})
	return r
}

// requestMetrics records per-endpoint counters and latency.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		metrics.RecordAPIRequest(r.Method, routePattern, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

func (h *Handler) statusAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"collectors": h.manager.StatusAll(),
	})
}

func (h *Handler) statusOne(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	status, found := h.manager.Status(id)
	if !found {
		writeError(w, http.StatusNotFound, "no running collector for source")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	if err := h.manager.TriggerSync(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

func (h *Handler) triggerHistorical(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	if err := h.manager.TriggerHistoricalCollection(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "historical collection triggered"})
}

func sourceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sourceID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
