package quickbooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

// HandleCallback processes the authorization redirect from Intuit.
// GET /quickbooks/callback?code=...&state=...&realmId=...
//
// The verifier and expected state come from the signed browser session, never
// from the query string. Whatever the outcome, the popup gets a result page
// that posts the outcome to the opener; duplicate invocations are absorbed by
// the flow's exchange fingerprint.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	realmID := query.Get("realmId")
	errorParam := query.Get("error")

	if errorParam != "" {
		// User denied access or Intuit rejected the request.
		h.logger.Warn("authorization denied", "error", errorParam, "description", query.Get("error_description"))
		h.renderResultPage(w, http.StatusOK, resultPageData{
			Message:  popupMessage{Type: messageAuthError, Error: "Authorization was denied"},
			Fallback: h.flow.ReconnectPath(),
		})
		return
	}

	if code == "" || state == "" || realmID == "" {
		h.renderResultPage(w, http.StatusBadRequest, resultPageData{
			Message:  popupMessage{Type: messageAuthError, Error: "Missing required callback parameters"},
			Fallback: h.flow.ReconnectPath(),
		})
		return
	}

	session := h.session(r)
	userID, _ := session.Values[sessionUserID].(string)
	expectedState, _ := session.Values[sessionState].(string)
	verifier, _ := session.Values[sessionVerifier].(string)

	if userID == "" {
		h.renderResultPage(w, http.StatusUnauthorized, resultPageData{
			Message:  popupMessage{Type: messageAuthError, Error: "Session expired, sign in and try again"},
			Fallback: h.flow.ReconnectPath(),
		})
		return
	}

	if expectedState == "" || state != expectedState {
		h.logger.Warn("state mismatch on callback", "user_id", userID)
		h.renderResultPage(w, http.StatusBadRequest, resultPageData{
			Message:  popupMessage{Type: messageAuthError, Error: "Authorization state mismatch, start over"},
			Fallback: h.flow.ReconnectPath(),
		})
		return
	}

	result, err := h.flow.HandleCallback(r.Context(), connections.CallbackParams{
		Code:     code,
		RealmID:  realmID,
		UserID:   userID,
		Verifier: verifier,
	})

	// The state and verifier are single-use regardless of the outcome.
	delete(session.Values, sessionState)
	delete(session.Values, sessionVerifier)
	if saveErr := session.Save(r, w); saveErr != nil {
		h.logger.Warn("failed to clear auth session values", "user_id", userID, "error", saveErr)
	}

	if err != nil {
		var exchangeErr *connections.ExchangeError
		if errors.As(err, &exchangeErr) {
			h.renderResultPage(w, http.StatusOK, resultPageData{
				Message:  popupMessage{Type: messageAuthError, Error: "Token exchange failed, reconnect to try again"},
				Fallback: h.flow.ReconnectPath(),
			})
			return
		}
		h.logger.Error("callback processing failed", "user_id", userID, "error", err)
		h.renderResultPage(w, http.StatusInternalServerError, resultPageData{
			Message:  popupMessage{Type: messageAuthError, Error: "Connection failed, try again"},
			Fallback: h.flow.ReconnectPath(),
		})
		return
	}

	// Converge on ground truth in the background; subscribers see the result
	// through the status stream. Detached from the request context so closing
	// the popup does not cancel the loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := h.checker.CheckWithRetry(ctx, userID); err != nil {
			h.logger.Warn("post-auth convergence check failed", "user_id", userID, "error", err)
		}
	}()

	h.renderResultPage(w, http.StatusOK, resultPageData{
		Success: true,
		Message: popupMessage{
			Type:        messageAuthSuccess,
			CompanyName: result.CompanyName,
			RealmID:     result.RealmID,
			RedirectTo:  result.RedirectTo,
		},
		Fallback: result.RedirectTo,
	})
}
