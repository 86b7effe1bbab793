package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openfit/oauth-server/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState saves the state of a pending authorization flow.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	query := `
		INSERT INTO oauth_authorization_states (
			state, client_id, user_id, tenant_id, redirect_uri, scope,
			code_challenge, code_challenge_method, created_at, expires_at, used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		state.State,
		state.ClientID,
		state.UserID,
		state.TenantID,
		state.RedirectURI,
		state.Scope,
		state.CodeChallenge,
		state.CodeChallengeMethod,
		state.CreatedAt,
		state.ExpiresAt,
		state.Used,
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization state: %w", err)
	}

	s.logger.Debug("Saved authorization state",
		"state_prefix", truncate(state.State, tokenLogLength),
		"client_id", state.ClientID)
	return nil
}

// GetAuthorizationState retrieves an authorization state by state value.
func (s *Store) GetAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	record, err := s.scanAuthorizationState(s.db.QueryRowContext(ctx,
		`SELECT state, client_id, user_id, tenant_id, redirect_uri, scope,
			code_challenge, code_challenge_method, created_at, expires_at, used
		FROM oauth_authorization_states WHERE state = $1`, state))
	if err == sql.ErrNoRows {
		return nil, storage.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization state: %w", err)
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: authorization state expired", storage.ErrTokenExpired)
	}
	return record, nil
}

// ConsumeAuthorizationState atomically validates and marks a state as used.
// The conditional UPDATE is the atomicity mechanism: exactly one concurrent
// caller flips used to true; the rest take the classification path.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	record, err := s.scanAuthorizationState(s.db.QueryRowContext(ctx,
		`UPDATE oauth_authorization_states
		SET used = TRUE
		WHERE state = $1 AND used = FALSE AND expires_at > NOW()
		RETURNING state, client_id, user_id, tenant_id, redirect_uri, scope,
			code_challenge, code_challenge_method, created_at, expires_at, used`, state))
	if err == nil {
		s.logger.Debug("Consumed authorization state",
			"state_prefix", truncate(state, tokenLogLength),
			"client_id", record.ClientID)
		return record, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to consume authorization state: %w", err)
	}

	// The update matched nothing; classify the loss
	existing, err := s.GetAuthorizationState(ctx, state)
	if err != nil {
		return nil, err
	}
	if existing.Used {
		return nil, storage.ErrStateUsed
	}
	// Unused and unexpired yet unmatched: lost a race by a hair
	return nil, storage.ErrStateUsed
}

// DeleteAuthorizationState removes an authorization state.
func (s *Store) DeleteAuthorizationState(ctx context.Context, state string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_authorization_states WHERE state = $1`, state); err != nil {
		return fmt.Errorf("failed to delete authorization state: %w", err)
	}
	return nil
}

// SaveAuthorizationCode saves an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	query := `
		INSERT INTO oauth_authorization_codes (
			code, client_id, user_id, tenant_id, redirect_uri, scope,
			code_challenge, code_challenge_method, state, created_at, expires_at, used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		code.Code,
		code.ClientID,
		code.UserID,
		code.TenantID,
		code.RedirectURI,
		code.Scope,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.State,
		code.CreatedAt,
		code.ExpiresAt,
		code.Used,
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", truncate(code.Code, tokenLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	record, err := s.scanAuthorizationCode(s.db.QueryRowContext(ctx,
		`SELECT code, client_id, user_id, tenant_id, redirect_uri, scope,
			code_challenge, code_challenge_method, state, created_at, expires_at, used
		FROM oauth_authorization_codes WHERE code = $1`, code))
	if err == sql.ErrNoRows {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}
	return record, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and
// marks it as used via a conditional UPDATE; exactly one concurrent exchange
// succeeds. The record is only returned alongside ErrAuthorizationCodeUsed so
// the caller can raise a replay signal; not-found and expired return nil.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	record, err := s.scanAuthorizationCode(s.db.QueryRowContext(ctx,
		`UPDATE oauth_authorization_codes
		SET used = TRUE
		WHERE code = $1 AND used = FALSE AND expires_at > NOW()
		RETURNING code, client_id, user_id, tenant_id, redirect_uri, scope,
			code_challenge, code_challenge_method, state, created_at, expires_at, used`, code))
	if err == nil {
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", truncate(code, tokenLogLength))
		return record, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to mark authorization code: %w", err)
	}

	// The update matched nothing; classify the loss
	existing, err := s.scanAuthorizationCode(s.db.QueryRowContext(ctx,
		`SELECT code, client_id, user_id, tenant_id, redirect_uri, scope,
			code_challenge, code_challenge_method, state, created_at, expires_at, used
		FROM oauth_authorization_codes WHERE code = $1`, code))
	if err == sql.ErrNoRows {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to classify authorization code: %w", err)
	}
	if existing.Used {
		return existing, storage.ErrAuthorizationCodeUsed
	}
	return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
}

// ReleaseAuthorizationCode flips a used code back to unused. Compensation for
// a signer failure after the code was burned; never called on any other path.
func (s *Store) ReleaseAuthorizationCode(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_authorization_codes SET used = FALSE WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("failed to release authorization code: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrAuthorizationCodeNotFound
	}

	s.logger.Debug("Released authorization code",
		"code_prefix", truncate(code, tokenLogLength))
	return nil
}

// DeleteAuthorizationCode removes an authorization code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_authorization_codes WHERE code = $1`, code); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAuthorizationState(row rowScanner) (*storage.AuthorizationState, error) {
	var record storage.AuthorizationState
	err := row.Scan(
		&record.State,
		&record.ClientID,
		&record.UserID,
		&record.TenantID,
		&record.RedirectURI,
		&record.Scope,
		&record.CodeChallenge,
		&record.CodeChallengeMethod,
		&record.CreatedAt,
		&record.ExpiresAt,
		&record.Used,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) scanAuthorizationCode(row rowScanner) (*storage.AuthorizationCode, error) {
	var record storage.AuthorizationCode
	err := row.Scan(
		&record.Code,
		&record.ClientID,
		&record.UserID,
		&record.TenantID,
		&record.RedirectURI,
		&record.Scope,
		&record.CodeChallenge,
		&record.CodeChallengeMethod,
		&record.State,
		&record.CreatedAt,
		&record.ExpiresAt,
		&record.Used,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
