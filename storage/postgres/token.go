package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openfit/oauth-server/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	query := `
		INSERT INTO oauth_refresh_tokens (
			token, client_id, user_id, tenant_id, scope, created_at, expires_at, revoked
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		token.Token,
		token.ClientID,
		token.UserID,
		token.TenantID,
		token.Scope,
		token.CreatedAt,
		token.ExpiresAt,
		token.Revoked,
	)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", truncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token by its opaque value.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	record, err := s.scanRefreshToken(s.db.QueryRowContext(ctx,
		`SELECT token, client_id, user_id, tenant_id, scope, created_at, expires_at, revoked
		FROM oauth_refresh_tokens WHERE token = $1`, token))
	if err == sql.ErrNoRows {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if record.Revoked {
		return nil, storage.ErrRefreshTokenRevoked
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}
	return record, nil
}

// RotateRefreshToken atomically revokes the presented token and saves its
// replacement in one transaction. The conditional UPDATE ensures only one
// concurrent rotation of the same token can win.
func (s *Store) RotateRefreshToken(ctx context.Context, token string, replacement *storage.RefreshToken) (*storage.RefreshToken, error) {
	if replacement == nil || replacement.Token == "" {
		return nil, fmt.Errorf("invalid replacement refresh token")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer tx.Rollback()

	record, err := s.scanRefreshToken(tx.QueryRowContext(ctx,
		`UPDATE oauth_refresh_tokens
		SET revoked = TRUE
		WHERE token = $1 AND revoked = FALSE AND expires_at > NOW()
		RETURNING token, client_id, user_id, tenant_id, scope, created_at, expires_at, revoked`, token))
	if err == sql.ErrNoRows {
		// The update matched nothing; classify the loss outside the tx
		if _, getErr := s.GetRefreshToken(ctx, token); getErr != nil {
			return nil, getErr
		}
		// Unrevoked and unexpired yet unmatched: lost a race by a hair
		return nil, storage.ErrRefreshTokenRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO oauth_refresh_tokens (
			token, client_id, user_id, tenant_id, scope, created_at, expires_at, revoked
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		replacement.Token,
		replacement.ClientID,
		replacement.UserID,
		replacement.TenantID,
		replacement.Scope,
		replacement.CreatedAt,
		replacement.ExpiresAt,
		replacement.Revoked,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save replacement token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rotation: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"old_prefix", truncate(token, tokenLogLength),
		"new_prefix", truncate(replacement.Token, tokenLogLength))
	return record, nil
}

// RevokeRefreshToken marks a refresh token as revoked. Unknown tokens are not
// an error (RFC 7009 semantics).
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	s.logger.Debug("Revoked refresh token",
		"token_prefix", truncate(token, tokenLogLength))
	return nil
}

func (s *Store) scanRefreshToken(row rowScanner) (*storage.RefreshToken, error) {
	var record storage.RefreshToken
	err := row.Scan(
		&record.Token,
		&record.ClientID,
		&record.UserID,
		&record.TenantID,
		&record.Scope,
		&record.CreatedAt,
		&record.ExpiresAt,
		&record.Revoked,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
