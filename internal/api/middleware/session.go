package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"
)

// Context keys for storing user information
type contextKey string

const UserIDKey contextKey = "user_id"

const sessionUserKey = "user_id"

// SessionAuthMiddleware enforces a signed browser session for protected
// routes. The host application writes the user id into the session at login;
// the connection endpoints only read it.
type SessionAuthMiddleware struct {
	store       *sessions.CookieStore
	sessionName string
	logger      *slog.Logger
}

// NewSessionAuthMiddleware creates the session auth middleware.
func NewSessionAuthMiddleware(store *sessions.CookieStore, sessionName string, logger *slog.Logger) *SessionAuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAuthMiddleware{store: store, sessionName: sessionName, logger: logger}
}

// RequireUser ensures the request carries an authenticated session.
// If not, returns 401. If it does, injects the user id into the context.
func (m *SessionAuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := m.store.Get(r, m.sessionName)
		if err != nil {
			m.logger.Debug("session cookie rejected", "path", r.URL.Path, "error", err)
			writeAuthError(w, "Invalid session")
			return
		}

		userID, ok := session.Values[sessionUserKey].(string)
		if !ok || userID == "" {
			writeAuthError(w, "Authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext extracts the authenticated user id, or "" if absent.
func UserIDFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	response := `{"error":"AuthenticationRequired","message":"` + message + `"}`
	if _, err := w.Write([]byte(response)); err != nil {
		slog.Error("failed to write auth error response", "error", err)
	}
}
