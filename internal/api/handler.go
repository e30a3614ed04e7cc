// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package api exposes the read surface of the mirror: paginated record
// listings, sync status, manual sync and backfill triggers, and the live
// WebSocket feed.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/wolfiesch/SFCrime/internal/config"
	"github.com/wolfiesch/SFCrime/internal/database"
	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/models"
	syncer "github.com/wolfiesch/SFCrime/internal/sync"
	ws "github.com/wolfiesch/SFCrime/internal/websocket"
)

// RecordStore is the slice of the primary store the handlers read from.
type RecordStore interface {
	ListRecords(ctx context.Context, q database.RecordQuery) ([]*models.Record, error)
	GetRecord(ctx context.Context, source models.Source, naturalKey string) (*models.Record, error)
	ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error)
	CountRecords(ctx context.Context, source models.Source) (int64, error)
	Ping(ctx context.Context) error
}

// SyncControl triggers sync runs on demand.
type SyncControl interface {
	TriggerSync(ctx context.Context, source models.Source) (*syncer.Result, error)
	SyncRange(ctx context.Context, source models.Source, start, end time.Time) (*syncer.Result, error)
}

// Handler holds the dependencies of the HTTP surface.
type Handler struct {
	store     RecordStore
	syncCtl   SyncControl
	hub       *ws.Hub
	cfg       *config.Config
	startTime time.Time
}

// NewHandler creates the HTTP handler set. syncCtl and hub may be nil; the
// endpoints that need them return 503.
func NewHandler(store RecordStore, syncCtl SyncControl, hub *ws.Hub, cfg *config.Config) *Handler {
	return &Handler{
		store:     store,
		syncCtl:   syncCtl,
		hub:       hub,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// listResponse is the envelope for paginated listings. NextCursor carries the
// keyset position of the last row; pass it back as cursor_time/cursor_key.
type listResponse struct {
	Data       []*models.Record `json:"data"`
	Count      int              `json:"count"`
	NextCursor *cursor          `json:"next_cursor,omitempty"`
}

type cursor struct {
	Time time.Time `json:"time"`
	Key  string    `json:"key"`
}

// handleListCalls serves the live dispatch feed, newest first.
func (h *Handler) handleListCalls(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, models.SourceDispatch)
}

// handleListIncidents serves the police incident mirror, newest first.
func (h *Handler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, models.SourceIncidents)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request, source models.Source) {
	q := database.RecordQuery{
		Source:   source,
		Priority: r.URL.Query().Get("priority"),
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		q.Limit = limit
	}

	bbox, err := parseBbox(r.URL.Query().Get("bbox"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Bbox = bbox

	if raw := r.URL.Query().Get("cursor_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "cursor_time must be RFC3339")
			return
		}
		q.CursorTime = &t
		q.CursorKey = r.URL.Query().Get("cursor_key")
	}

	records, err := h.store.ListRecords(r.Context(), q)
	if err != nil {
		logging.Err(err).Str("source", string(source)).Msg("record listing failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	resp := listResponse{Data: records, Count: len(records)}
	if len(records) > 0 {
		last := records[len(records)-1]
		resp.NextCursor = &cursor{Time: last.ReceivedAt, Key: last.NaturalKey}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetCall serves one dispatch call by CAD number.
func (h *Handler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	cad := chi.URLParam(r, "cad")
	rec, err := h.store.GetRecord(r.Context(), models.SourceDispatch, cad)
	if err != nil {
		logging.Err(err).Str("cad", cad).Msg("record lookup failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "call not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// syncStatusEntry is one source's sync state.
type syncStatusEntry struct {
	Source      models.Source `json:"source"`
	Watermark   time.Time     `json:"watermark"`
	LastSyncAt  time.Time     `json:"last_sync_at"`
	RecordCount int64         `json:"record_count"`
}

// handleSyncStatus reports every source's checkpoint.
func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.store.ListCheckpoints(r.Context())
	if err != nil {
		logging.Err(err).Msg("checkpoint listing failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	entries := make([]syncStatusEntry, len(checkpoints))
	for i, cp := range checkpoints {
		entries[i] = syncStatusEntry{
			Source:      cp.Source,
			Watermark:   cp.Watermark,
			LastSyncAt:  cp.LastSyncAt,
			RecordCount: cp.RecordCount,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sources": entries})
}

// handleTriggerSync runs one sync for a source and reports the result.
func (h *Handler) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncCtl == nil {
		respondError(w, http.StatusServiceUnavailable, "sync is not running")
		return
	}

	source := models.Source(chi.URLParam(r, "source"))
	if !validSource(source) {
		respondError(w, http.StatusNotFound, "unknown source")
		return
	}

	result, err := h.syncCtl.TriggerSync(r.Context(), source)
	if err != nil {
		logging.Err(err).Str("source", string(source)).Msg("manual sync failed")
		respondError(w, http.StatusBadGateway, "sync failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// backfillRequest is the body of a manual backfill trigger.
type backfillRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// handleBackfillIncidents loads an explicit incident window, bypassing the
// checkpoint.
func (h *Handler) handleBackfillIncidents(w http.ResponseWriter, r *http.Request) {
	if h.syncCtl == nil {
		respondError(w, http.StatusServiceUnavailable, "sync is not running")
		return
	}

	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		respondError(w, http.StatusBadRequest, "start and end must be set and end must be after start")
		return
	}

	result, err := h.syncCtl.SyncRange(r.Context(), models.SourceIncidents, req.Start, req.End)
	if err != nil {
		logging.Err(err).Msg("backfill failed")
		respondError(w, http.StatusBadGateway, "backfill failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleHealth is the liveness probe: process up, store reachable.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	clients := 0
	if h.hub != nil {
		clients = h.hub.GetClientCount()
	}

	respondJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"subscribers":    clients,
	})
}

// parseBbox parses "minLat,minLng,maxLat,maxLng". Empty input means no
// bound.
func parseBbox(raw string) (*database.Bbox, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, errors.New("bbox must be minLat,minLng,maxLat,maxLng")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.New("bbox must be four numbers")
		}
		vals[i] = v
	}
	bbox := &database.Bbox{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
	if bbox.MinLat > bbox.MaxLat || bbox.MinLng > bbox.MaxLng {
		return nil, errors.New("bbox bounds are inverted")
	}
	return bbox, nil
}

func validSource(source models.Source) bool {
	for _, s := range models.AllSources {
		if s == source {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
