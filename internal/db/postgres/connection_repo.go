package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Transync-pro/transync-connect/internal/core/connections"
)

type postgresConnectionRepo struct {
	db *sql.DB
}

// NewConnectionRepository creates a new PostgreSQL connection repository
func NewConnectionRepository(db *sql.DB) connections.ConnectionRepository {
	return &postgresConnectionRepo{db: db}
}

// Upsert creates or replaces the user's QuickBooks connection. One row per
// user; reconnecting (possibly to a different realm) overwrites everything.
func (r *postgresConnectionRepo) Upsert(ctx context.Context, conn *connections.Connection) (*connections.Connection, error) {
	query := `
		INSERT INTO qb_connections (user_id, realm_id, access_token, refresh_token, token_type, expires_at, refresh_expires_at, company_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			realm_id = EXCLUDED.realm_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			refresh_expires_at = EXCLUDED.refresh_expires_at,
			company_name = EXCLUDED.company_name,
			updated_at = NOW()
		RETURNING user_id, realm_id, access_token, refresh_token, token_type, expires_at, refresh_expires_at, company_name, created_at, updated_at`

	out := &connections.Connection{}
	var refreshExpiresAt sql.NullTime
	var companyName sql.NullString
	err := r.db.QueryRowContext(ctx, query,
		conn.UserID, conn.RealmID, conn.AccessToken, conn.RefreshToken,
		conn.TokenType, conn.ExpiresAt, nullTime(conn.RefreshExpiresAt), nullString(conn.CompanyName)).
		Scan(&out.UserID, &out.RealmID, &out.AccessToken, &out.RefreshToken,
			&out.TokenType, &out.ExpiresAt, &refreshExpiresAt, &companyName,
			&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}

	out.RefreshExpiresAt = refreshExpiresAt.Time
	out.CompanyName = companyName.String
	return out, nil
}

// GetByUserID retrieves the user's connection
func (r *postgresConnectionRepo) GetByUserID(ctx context.Context, userID string) (*connections.Connection, error) {
	conn := &connections.Connection{}
	query := `SELECT user_id, realm_id, access_token, refresh_token, token_type, expires_at, refresh_expires_at, company_name, created_at, updated_at FROM qb_connections WHERE user_id = $1`

	var refreshExpiresAt sql.NullTime
	var companyName sql.NullString
	err := r.db.QueryRowContext(ctx, query, userID).
		Scan(&conn.UserID, &conn.RealmID, &conn.AccessToken, &conn.RefreshToken,
			&conn.TokenType, &conn.ExpiresAt, &refreshExpiresAt, &companyName,
			&conn.CreatedAt, &conn.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, connections.ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	conn.RefreshExpiresAt = refreshExpiresAt.Time
	conn.CompanyName = companyName.String
	return conn, nil
}

// UpdateTokens replaces only the token fields after a refresh
func (r *postgresConnectionRepo) UpdateTokens(ctx context.Context, userID string, tokens connections.TokenUpdate) error {
	query := `
		UPDATE qb_connections
		SET access_token = $2, refresh_token = $3, token_type = $4, expires_at = $5,
			refresh_expires_at = COALESCE($6, refresh_expires_at), updated_at = NOW()
		WHERE user_id = $1`

	var refreshExpiresAt sql.NullTime
	if tokens.RefreshExpiresAt > 0 {
		refreshExpiresAt = sql.NullTime{Time: time.Unix(tokens.RefreshExpiresAt, 0).UTC(), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		userID, tokens.AccessToken, tokens.RefreshToken, tokens.TokenType,
		time.Unix(tokens.ExpiresAt, 0).UTC(), refreshExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return connections.ErrNotConnected
	}
	return nil
}

// Exists is the lightweight probe used by status checks
func (r *postgresConnectionRepo) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM qb_connections WHERE user_id = $1)`

	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check connection existence: %w", err)
	}
	return exists, nil
}

// Delete removes the user's connection
func (r *postgresConnectionRepo) Delete(ctx context.Context, userID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM qb_connections WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return connections.ErrNotConnected
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
