package connections

import (
	"errors"
	"fmt"
)

// Sentinel errors for common connection operations
var (
	// ErrAuthRequired is returned when an operation requires a signed-in user
	ErrAuthRequired = errors.New("authentication required")

	// ErrNotConnected is returned when a user has no connection row
	ErrNotConnected = errors.New("no QuickBooks connection")

	// ErrRefreshTokenExpired is returned when the refresh token itself has
	// expired and the user must reconnect from scratch
	ErrRefreshTokenExpired = errors.New("refresh token expired, reconnect required")
)

// ExchangeError wraps a failed code exchange. Authorization codes are single
// use and expire within minutes, so the same code is never retried; the user
// is redirected back to reconnect.
type ExchangeError struct {
	RealmID string
	Err     error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed for realm %s: %v", e.RealmID, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// RefreshError wraps a failed token refresh so callers can distinguish it
// from a missing connection.
type RefreshError struct {
	UserID string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for user %s: %v", e.UserID, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}
