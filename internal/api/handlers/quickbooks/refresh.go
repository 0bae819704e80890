package quickbooks

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Transync-pro/transync-connect/internal/api/handlers"
	"github.com/Transync-pro/transync-connect/internal/api/middleware"
	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

// HandleRefresh forces a token refresh for the session user.
// POST /api/quickbooks/refresh
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	err := h.tokens.Refresh(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, connections.ErrAuthRequired):
			handlers.WriteError(w, http.StatusUnauthorized, "AuthenticationRequired", "Sign in first")
		case errors.Is(err, connections.ErrNotConnected):
			handlers.WriteError(w, http.StatusNotFound, "NotConnected", "No QuickBooks connection to refresh")
		case errors.Is(err, connections.ErrRefreshTokenExpired):
			// The only way out is a fresh authorization.
			handlers.WriteError(w, http.StatusConflict, "RefreshTokenExpired", "Refresh token expired, reconnect QuickBooks")
		default:
			h.logger.Error("token refresh failed", "user_id", userID, "error", err)
			handlers.WriteError(w, http.StatusBadGateway, "RefreshFailed", "Failed to refresh QuickBooks tokens")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "refreshed"}); err != nil {
		h.logger.Error("failed to encode refresh response", "error", err)
	}
}
