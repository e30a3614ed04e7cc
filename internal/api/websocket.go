// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfiesch/SFCrime/internal/logging"
	ws "github.com/wolfiesch/SFCrime/internal/websocket"
)

// handleWebSocket upgrades the connection and hands it to the hub. The
// subscriber starts unfiltered; it narrows itself with a subscribe frame.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "live feed is not running")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ws.NewClient(h.hub, conn).Serve()
}

// checkOrigin accepts the configured CORS origins. Requests without an
// Origin header (non-browser clients) are accepted.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Server.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
