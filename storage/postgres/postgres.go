// Package postgres provides a PostgreSQL implementation of all storage
// interfaces. The single-use and rotation invariants are enforced with
// conditional UPDATE statements, so concurrent mutations of the same record
// have exactly one winner regardless of how many server instances share the
// database.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/openfit/oauth-server/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const tokenLogLength = 8

// Store is a PostgreSQL-backed implementation of ClientStore, FlowStore, and
// TokenStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a PostgreSQL store on an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default(),
	}
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Cleanup deletes expired states, codes, refresh tokens, and client
// registrations. Intended to run on a background timer, never on the request
// path. Used codes and revoked tokens are retained until expiry so reuse
// attempts remain detectable as replay signals.
func (s *Store) Cleanup(ctx context.Context) error {
	statements := []string{
		`DELETE FROM oauth_authorization_states WHERE used = TRUE OR expires_at <= NOW()`,
		`DELETE FROM oauth_authorization_codes WHERE expires_at <= NOW()`,
		`DELETE FROM oauth_refresh_tokens WHERE expires_at <= NOW()`,
		`DELETE FROM oauth_clients WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
	}

	cleaned := int64(0)
	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			cleaned += n
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client (upsert on client_id).
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	query := `
		INSERT INTO oauth_clients (
			client_id, client_secret_hash, redirect_uris, grant_types,
			response_types, client_name, client_uri, scope, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			response_types = EXCLUDED.response_types,
			client_name = EXCLUDED.client_name,
			client_uri = EXCLUDED.client_uri,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at
	`

	_, err := s.db.ExecContext(ctx, query,
		client.ClientID,
		client.ClientSecretHash,
		pq.StringArray(client.RedirectURIs),
		pq.StringArray(client.GrantTypes),
		pq.StringArray(client.ResponseTypes),
		client.ClientName,
		client.ClientURI,
		client.Scope,
		client.CreatedAt,
		nullableTime(client.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID. Expired registrations are reported as
// not found.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	query := `
		SELECT client_id, client_secret_hash, redirect_uris, grant_types,
			response_types, client_name, client_uri, scope, created_at, expires_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	var client storage.Client
	var redirectURIs, grantTypes, responseTypes pq.StringArray
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ClientID,
		&client.ClientSecretHash,
		&redirectURIs,
		&grantTypes,
		&responseTypes,
		&client.ClientName,
		&client.ClientURI,
		&client.Scope,
		&client.CreatedAt,
		&expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if expiresAt.Valid {
		client.ExpiresAt = expiresAt.Time
		if !client.ExpiresAt.After(time.Now()) {
			return nil, fmt.Errorf("%w: client registration expired", storage.ErrClientNotFound)
		}
	}
	client.RedirectURIs = redirectURIs
	client.GrantTypes = grantTypes
	client.ResponseTypes = responseTypes

	return &client, nil
}

// ValidateClientSecret validates a client's secret against the stored bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT client_secret_hash FROM oauth_clients WHERE client_id = $1`,
		clientID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return storage.ErrClientNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load client secret: %w", err)
	}

	if hash == "" {
		// Public client: no secret to check
		if clientSecret == "" {
			return nil
		}
		return storage.ErrInvalidClientSecret
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// DeleteClient removes a client registration.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrClientNotFound
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	query := `
		SELECT client_id, client_secret_hash, redirect_uris, grant_types,
			response_types, client_name, client_uri, scope, created_at, expires_at
		FROM oauth_clients
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		var client storage.Client
		var redirectURIs, grantTypes, responseTypes pq.StringArray
		var expiresAt sql.NullTime

		if err := rows.Scan(
			&client.ClientID,
			&client.ClientSecretHash,
			&redirectURIs,
			&grantTypes,
			&responseTypes,
			&client.ClientName,
			&client.ClientURI,
			&client.Scope,
			&client.CreatedAt,
			&expiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		if expiresAt.Valid {
			client.ExpiresAt = expiresAt.Time
		}
		client.RedirectURIs = redirectURIs
		client.GrantTypes = grantTypes
		client.ResponseTypes = responseTypes
		clients = append(clients, &client)
	}
	return clients, rows.Err()
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
