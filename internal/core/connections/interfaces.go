package connections

import (
	"context"

	"github.com/Transync-pro/transync-connect/internal/quickbooks"
)

// ConnectionRepository defines the persistence contract for connection rows.
// One row per user; destroyed on disconnect.
type ConnectionRepository interface {
	// Upsert creates or replaces the user's connection row.
	Upsert(ctx context.Context, conn *Connection) (*Connection, error)

	// GetByUserID returns the user's connection or ErrNotConnected.
	GetByUserID(ctx context.Context, userID string) (*Connection, error)

	// UpdateTokens replaces only the token fields after a refresh.
	UpdateTokens(ctx context.Context, userID string, tokens TokenUpdate) error

	// Exists is the lightweight existence probe used by forced checks
	// before deciding whether a full fetch is worthwhile.
	Exists(ctx context.Context, userID string) (bool, error)

	// Delete removes the row. Deleting an absent row returns ErrNotConnected.
	Delete(ctx context.Context, userID string) error
}

// TokenUpdate carries the rotated token pair persisted after a refresh.
type TokenUpdate struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresAt        int64 // unix seconds
	RefreshExpiresAt int64 // unix seconds, zero if the provider omitted it
}

// Provider is the subset of the QuickBooks OAuth client the lifecycle needs.
// Split out so tests can drive the flow against a fake token endpoint.
type Provider interface {
	AuthorizeURL(p quickbooks.AuthorizeParams) string
	Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*quickbooks.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*quickbooks.TokenSet, error)
	Revoke(ctx context.Context, token string) error
	GetCompanyInfo(ctx context.Context, accessToken, realmID string) (*quickbooks.CompanyInfo, error)
}

// IdentityVerifier extracts the OpenID identity from an id_token. Optional;
// a nil verifier skips identity extraction.
type IdentityVerifier interface {
	Verify(ctx context.Context, idToken string) (*quickbooks.Identity, error)
}

// Sealer encrypts tokens at rest.
type Sealer interface {
	Seal(token string) (string, error)
	Open(sealed string) (string, error)
}
