package quickbooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Transync-pro/transync-connect/internal/api/handlers"
	"github.com/Transync-pro/transync-connect/internal/api/middleware"
	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

// heartbeatInterval keeps proxies from reaping an idle SSE stream.
const heartbeatInterval = 25 * time.Second

type statusResponse struct {
	connections.StatusInfo
	Connecting bool   `json:"connecting"`
	LastError  string `json:"lastError,omitempty"`
}

// HandleStatus reports the current connection status for the session user.
// GET /api/quickbooks/status?force=true&silent=true
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	force := r.URL.Query().Get("force") == "true"
	silent := r.URL.Query().Get("silent") == "true"

	info, err := h.status.CheckStatus(r.Context(), userID, force, silent)
	if err != nil {
		// The check already settled on a safe state; report it rather than
		// failing the request.
		h.logger.Warn("status check reported error", "user_id", userID, "error", err)
	}

	resp := statusResponse{
		StatusInfo: info,
		Connecting: h.flow.IsConnecting(r.Context(), userID),
		LastError:  h.status.LastError(userID),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode status response", "error", err)
	}
}

// HandleStatusStream streams status transitions as server-sent events so
// every open dashboard tree stays in sync without polling storage itself.
// GET /api/quickbooks/status/stream
func (h *Handler) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		handlers.WriteError(w, http.StatusUnauthorized, "AuthenticationRequired", "Sign in first")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		handlers.WriteError(w, http.StatusInternalServerError, "InternalError", "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Publishers must never block on a slow consumer; a dropped transition is
	// recovered by the next one or by the initial snapshot on reconnect.
	events := make(chan connections.StatusInfo, 8)
	unsubscribe := h.status.Subscribe(userID, func(info connections.StatusInfo) {
		select {
		case events <- info:
		default:
		}
	})
	defer unsubscribe()

	writeEvent := func(info connections.StatusInfo) bool {
		data, err := json.Marshal(info)
		if err != nil {
			h.logger.Error("failed to marshal status event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Snapshot first so a fresh subscriber renders immediately.
	if !writeEvent(h.status.Current(userID)) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case info := <-events:
			if !writeEvent(info) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
