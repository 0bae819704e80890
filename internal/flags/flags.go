// Package flags implements the short-lived signal store used to coordinate
// the popup window, the OAuth callback page, and background status checks.
// Signals are typed and carry an explicit expiry instead of loosely-typed
// string keys, so consumers validate shape and TTL on read.
package flags

import (
	"context"
	"errors"
	"time"
)

// Kind identifies a signal within the connection subsystem namespace.
type Kind string

const (
	// KindAuthSuccess marks that an authorization round-trip just completed.
	// This is the single canonical "authenticated just now" signal; route
	// guards and status checks key off it alone.
	KindAuthSuccess Kind = "auth_success"

	// KindConnecting marks an in-progress connect attempt for a user.
	// Cleared by the callback or an explicit cancel; the TTL is the backstop
	// when a popup is abandoned and nothing reports it.
	KindConnecting Kind = "connecting"

	// KindVerifier holds the PKCE code verifier for one authorize round-trip.
	KindVerifier Kind = "pkce_verifier"

	// KindProcessed is the idempotency fingerprint for a completed token
	// exchange, scoped by realm. A second callback with the same fingerprint
	// must not trigger another exchange.
	KindProcessed Kind = "processed"

	// KindForceConnected overrides status reads to "connected" for a bounded
	// window right after a successful exchange.
	KindForceConnected Kind = "force_connected"

	// KindForceDisconnected overrides status reads to "disconnected" for a
	// bounded window right after a disconnect.
	KindForceDisconnected Kind = "force_disconnected"

	// KindRedirect is the navigation lock: first writer wins the redirect
	// for a given (user, event) pair, scoped by event name.
	KindRedirect Kind = "redirect"

	// KindSummary caches a small connection summary (company name, realm)
	// for optimistic UI between the exchange and the next full fetch.
	KindSummary Kind = "summary"
)

// ErrNotFound is returned when a flag is absent or has expired.
var ErrNotFound = errors.New("flag not found")

// Flag is one signal. Scope qualifies kinds that need more than one instance
// per user (processed fingerprints per realm, redirect locks per event).
type Flag struct {
	UserID    string
	Kind      Kind
	Scope     string
	Payload   string
	ExpiresAt time.Time
}

// Expired reports whether the flag's window has passed at the given instant.
func (f Flag) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && !now.Before(f.ExpiresAt)
}

// Key returns the storage key for the flag.
func (f Flag) Key() string {
	return key(f.UserID, f.Kind, f.Scope)
}

func key(userID string, kind Kind, scope string) string {
	k := "qbflags:" + userID + ":" + string(kind)
	if scope != "" {
		k += ":" + scope
	}
	return k
}

// Store is shared, last-write-wins storage. Every read may be stale and every
// write may race another writer for the same user; callers rely only on the
// expiry window and on SetNX for first-writer-wins semantics.
type Store interface {
	// Set writes the flag, replacing any existing value.
	Set(ctx context.Context, f Flag) error

	// Get returns the flag, or ErrNotFound if absent or expired.
	Get(ctx context.Context, userID string, kind Kind, scope string) (*Flag, error)

	// SetNX writes the flag only if no live flag exists for the same key.
	// Returns true if this call won the write.
	SetNX(ctx context.Context, f Flag) (bool, error)

	// Clear removes a single flag. Clearing an absent flag is not an error.
	Clear(ctx context.Context, userID string, kind Kind, scope string) error

	// ClearAll removes every flag in the subsystem namespace for a user.
	ClearAll(ctx context.Context, userID string) error
}
