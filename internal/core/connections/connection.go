// Package connections owns the lifecycle of a user's delegated-access link to
// QuickBooks Online: establishing it through the OAuth popup flow, verifying
// it, refreshing tokens before expiry, and tearing it down on disconnect.
package connections

import (
	"encoding/json"
	"time"
)

// Status is the connection state published to subscribers.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusChecking     Status = "checking"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection is one user's link to QuickBooks. Token fields are sealed
// (AES-GCM) before they reach the repository; the service layer works with
// sealed values and unseals only when a token leaves for the provider.
type Connection struct {
	UserID           string    `json:"userId" db:"user_id"`
	RealmID          string    `json:"realmId" db:"realm_id"`
	AccessToken      string    `json:"-" db:"access_token"`
	RefreshToken     string    `json:"-" db:"refresh_token"`
	TokenType        string    `json:"tokenType" db:"token_type"`
	ExpiresAt        time.Time `json:"expiresAt" db:"expires_at"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt" db:"refresh_expires_at"`
	CompanyName      string    `json:"companyName" db:"company_name"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// StatusInfo is the ephemeral per-user view published by the status service.
// It is replaced wholesale on every check and discarded when the user changes.
type StatusInfo struct {
	Status      Status    `json:"status"`
	CheckedAt   time.Time `json:"checkedAt"`
	CompanyName string    `json:"companyName,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Summary is the small connection summary stored for optimistic UI between
// the token exchange and the next full fetch.
type Summary struct {
	RealmID     string `json:"realmId"`
	CompanyName string `json:"companyName"`
}

// Fingerprint derives the idempotency key guarding the one-time token
// exchange for a (realm, user) pair.
func Fingerprint(realmID, userID string) string {
	return realmID + "-" + userID
}

func encodeSummary(s Summary) string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeSummary(payload string) (Summary, bool) {
	var s Summary
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return Summary{}, false
	}
	return s, true
}
