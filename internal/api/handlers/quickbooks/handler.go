// Package quickbooks exposes the QuickBooks connection lifecycle over HTTP:
// starting the authorization popup, completing the callback handoff, and
// serving connection status to the dashboard.
package quickbooks

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

// Handler serves the QuickBooks connection endpoints.
type Handler struct {
	flow    *connections.FlowController
	status  *connections.StatusService
	tokens  *connections.TokenManager
	checker *connections.Checker
	logger  *slog.Logger

	// appOrigin is the only origin the popup result page will postMessage to.
	appOrigin string
	devMode   bool
}

// NewHandler creates the QuickBooks connection handler.
func NewHandler(
	flow *connections.FlowController,
	status *connections.StatusService,
	tokens *connections.TokenManager,
	checker *connections.Checker,
	appOrigin string,
	devMode bool,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		flow:      flow,
		status:    status,
		tokens:    tokens,
		checker:   checker,
		logger:    logger,
		appOrigin: appOrigin,
		devMode:   devMode,
	}
}

// session returns the browser session, creating a fresh one if the cookie is
// missing or fails signature validation.
func (h *Handler) session(r *http.Request) *sessions.Session {
	store := GetCookieStore()
	session, err := store.Get(r, sessionName)
	if err != nil {
		session, _ = store.New(r, sessionName)
	}
	session.Options.MaxAge = SessionMaxAge
	session.Options.HttpOnly = true
	session.Options.Secure = !h.devMode
	session.Options.SameSite = http.SameSiteLaxMode
	return session
}

// sessionUser extracts the authenticated user from the session cookie.
func (h *Handler) sessionUser(r *http.Request) string {
	session := h.session(r)
	if userID, ok := session.Values[sessionUserID].(string); ok {
		return userID
	}
	return ""
}
