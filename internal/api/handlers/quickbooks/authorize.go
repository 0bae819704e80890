package quickbooks

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Transync-pro/transync-connect/internal/api/handlers"
	"github.com/Transync-pro/transync-connect/internal/api/middleware"
	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

// HandleAuthorize starts a connect attempt for the session user.
// POST /api/quickbooks/authorize
//
// The PKCE verifier and state are bound to the browser session so the
// callback can recover them; the response carries everything the dashboard
// needs to open the authorization popup.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		handlers.WriteError(w, http.StatusUnauthorized, "AuthenticationRequired", "Sign in before connecting QuickBooks")
		return
	}

	intent, err := h.flow.Connect(r.Context(), userID)
	if err != nil {
		if errors.Is(err, connections.ErrAuthRequired) {
			handlers.WriteError(w, http.StatusUnauthorized, "AuthenticationRequired", "Sign in before connecting QuickBooks")
			return
		}
		h.logger.Error("failed to start connect", "user_id", userID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, "InternalError", "Failed to start QuickBooks authorization")
		return
	}

	session := h.session(r)
	session.Values[sessionState] = intent.State
	session.Values[sessionVerifier] = intent.Verifier
	if err := session.Save(r, w); err != nil {
		h.logger.Error("failed to save auth session", "user_id", userID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, "InternalError", "Failed to persist authorization session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(intent); err != nil {
		h.logger.Error("failed to encode authorize response", "error", err)
	}
}
