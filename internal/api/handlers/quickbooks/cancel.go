package quickbooks

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Transync-pro/transync-connect/internal/api/handlers"
	"github.com/Transync-pro/transync-connect/internal/api/middleware"
	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

// HandleCancel abandons an in-progress connect attempt for the session user.
// POST /api/quickbooks/connect/cancel
//
// The dashboard calls this when it sees the popup close without a result
// message, so the next status poll stops reporting "connecting" immediately.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	if err := h.flow.CancelConnect(r.Context(), userID); err != nil {
		if errors.Is(err, connections.ErrAuthRequired) {
			handlers.WriteError(w, http.StatusUnauthorized, "AuthenticationRequired", "Sign in first")
			return
		}
		h.logger.Error("failed to cancel connect attempt", "user_id", userID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, "InternalError", "Failed to cancel QuickBooks authorization")
		return
	}

	// The abandoned attempt's state and verifier must not survive in the
	// session either.
	session := h.session(r)
	delete(session.Values, sessionState)
	delete(session.Values, sessionVerifier)
	if err := session.Save(r, w); err != nil {
		h.logger.Warn("failed to clear auth session on cancel", "user_id", userID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     "cancelled",
		"connecting": false,
	}); err != nil {
		h.logger.Error("failed to encode cancel response", "error", err)
	}
}
