package quickbooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Transync-pro/transync-connect/internal/api/handlers"
	"github.com/Transync-pro/transync-connect/internal/api/middleware"
	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

// HandleRevoke disconnects the session user from QuickBooks.
// POST /api/quickbooks/revoke
//
// Local teardown always completes; a failed upstream revoke is logged by the
// flow and never surfaces here.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	result, err := h.flow.Disconnect(r.Context(), userID)
	if err != nil {
		if errors.Is(err, connections.ErrAuthRequired) {
			handlers.WriteError(w, http.StatusUnauthorized, "AuthenticationRequired", "Sign in first")
			return
		}
		h.logger.Error("disconnect failed", "user_id", userID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, "InternalError", "Failed to disconnect QuickBooks")
		return
	}

	// Converge on ground truth in the background, same as after a connect.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := h.checker.CheckWithRetry(ctx, userID); err != nil {
			h.logger.Warn("post-disconnect convergence check failed", "user_id", userID, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":     "disconnected",
		"redirectTo": result.RedirectTo,
	}); err != nil {
		h.logger.Error("failed to encode revoke response", "error", err)
	}
}
