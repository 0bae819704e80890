package connections

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TokenRefreshThreshold is the buffer before expiry inside which a token is
// considered stale and refreshed before being handed out.
const TokenRefreshThreshold = 5 * time.Minute

// TokenManager decides when an access token is stale and performs
// refresh-before-expiry, serialized per connection.
type TokenManager struct {
	repo     ConnectionRepository
	provider Provider
	sealer   Sealer
	status   *StatusService
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTokenManager creates a token manager.
func NewTokenManager(repo ConnectionRepository, provider Provider, sealer Sealer, status *StatusService, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		repo:     repo,
		provider: provider,
		sealer:   sealer,
		status:   status,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the manager time source. Test helper.
func (m *TokenManager) SetClock(now func() time.Time) {
	m.now = now
}

// AccessToken returns a usable access token for the user, refreshing first if
// the stored one expires within the 5-minute buffer.
func (m *TokenManager) AccessToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrAuthRequired
	}

	conn, err := m.repo.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}

	if m.now().Add(TokenRefreshThreshold).Before(conn.ExpiresAt) {
		return m.sealer.Open(conn.AccessToken)
	}

	if err := m.Refresh(ctx, userID); err != nil {
		return "", err
	}

	conn, err = m.repo.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	return m.sealer.Open(conn.AccessToken)
}

// Refresh exchanges the refresh token for a new pair and persists it, then
// forces a silent status re-check so the new expiry propagates to
// subscribers. Failures are surfaced through the error channel and returned.
func (m *TokenManager) Refresh(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrAuthRequired
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.repo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}

	if !conn.RefreshExpiresAt.IsZero() && !m.now().Before(conn.RefreshExpiresAt) {
		m.status.SetLastError(userID, ErrRefreshTokenExpired.Error())
		return ErrRefreshTokenExpired
	}

	refreshToken, err := m.sealer.Open(conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to unseal refresh token: %w", err)
	}

	tokens, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		refreshErr := &RefreshError{UserID: userID, Err: err}
		m.status.SetLastError(userID, refreshErr.Error())
		return refreshErr
	}

	sealedAccess, err := m.sealer.Seal(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	sealedRefresh, err := m.sealer.Seal(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}

	update := TokenUpdate{
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		TokenType:    tokens.TokenType,
		ExpiresAt:    tokens.ExpiresAt.Unix(),
	}
	if !tokens.RefreshExpiresAt.IsZero() {
		update.RefreshExpiresAt = tokens.RefreshExpiresAt.Unix()
	}
	if err := m.repo.UpdateTokens(ctx, userID, update); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	m.logger.Info("refreshed QuickBooks tokens", "user_id", userID, "expires_at", tokens.ExpiresAt)

	// Propagate the new expiry without flickering the UI.
	if _, err := m.status.CheckStatus(ctx, userID, true, true); err != nil {
		m.logger.Warn("post-refresh status check failed", "user_id", userID, "error", err)
	}
	return nil
}

func (m *TokenManager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}
