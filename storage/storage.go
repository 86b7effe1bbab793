// Package storage defines the records and interfaces for persisting OAuth
// clients, authorization state, authorization codes, and refresh tokens.
// It supports various backend implementations including in-memory, PostgreSQL,
// and Redis.
package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored hash
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// DeleteClient removes a client registration (de-registration)
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for managing authorization flow state:
// the CSRF state records created at /authorize and the single-use
// authorization codes minted once the user has authenticated.
type FlowStore interface {
	// SaveAuthorizationState saves the state of a pending authorization flow
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// GetAuthorizationState retrieves an authorization state by state value
	GetAuthorizationState(ctx context.Context, state string) (*AuthorizationState, error)

	// ConsumeAuthorizationState atomically validates and marks an authorization
	// state as used. Returns the state record if this call was the one that
	// consumed it, or an error if the state is unknown, expired, or was already
	// consumed. SECURITY: This operation MUST be atomic so that two concurrent
	// completions of the same flow can never both succeed.
	ConsumeAuthorizationState(ctx context.Context, state string) (*AuthorizationState, error)

	// DeleteAuthorizationState removes an authorization state
	DeleteAuthorizationState(ctx context.Context, state string) error

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused
	// and marks it as used. Exactly one concurrent exchange for the same code
	// succeeds; all others observe ErrAuthorizationCodeUsed. On the used error
	// the stored record is returned so the caller can surface a replay signal;
	// for not-found and expired errors nil is returned to prevent leakage.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// ReleaseAuthorizationCode flips a used code back to unused. Called only
	// when the token-signing collaborator fails after the code was burned, so
	// a transient signer outage does not strand an otherwise valid grant.
	ReleaseAuthorizationCode(ctx context.Context, code string) error

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for refresh token persistence and rotation.
// Access tokens are never persisted; they are signed by the external
// token-signing collaborator and validated by signature.
type TokenStore interface {
	// SaveRefreshToken saves a refresh token record
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token by its opaque value
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken atomically revokes the presented token and saves its
	// replacement. Returns the old record if this call won the rotation, or an
	// error if the token is unknown, expired, or already revoked.
	// SECURITY: This operation MUST be atomic so that two concurrent refresh
	// attempts with the same token can never both succeed.
	RotateRefreshToken(ctx context.Context, token string, replacement *RefreshToken) (*RefreshToken, error)

	// RevokeRefreshToken marks a refresh token as revoked. Revoking an
	// unknown token is not an error (RFC 7009 semantics).
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Client represents a registered OAuth client (RFC 7591).
// The plaintext secret is returned exactly once at registration time;
// only the bcrypt hash is ever stored.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, never the plaintext
	RedirectURIs     []string
	GrantTypes       []string
	ResponseTypes    []string
	ClientName       string
	ClientURI        string
	Scope            string
	CreatedAt        time.Time
	ExpiresAt        time.Time // zero value means the registration never expires
}

// HasRedirectURI reports whether uri is a byte-exact member of the client's
// registered redirect URI set. No normalization is applied: a trailing slash
// or case difference is a mismatch.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationState is the CSRF/pre-auth record created when an authorization
// flow begins. It is single-use: once consumed to produce a code, Used flips
// permanently.
type AuthorizationState struct {
	State               string // random, unique, echoed back to the client for CSRF protection
	ClientID            string
	UserID              string // populated once the user authenticates
	TenantID            string // populated once the user authenticates
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or "plain"
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AuthorizationCode represents a single-use, short-lived authorization code.
// RedirectURI and the PKCE challenge are copied forward from the state at
// issuance; the exchange must match them exactly.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	TenantID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string // original CSRF value, echoed back for client verification
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshToken represents a stored refresh token. Each successful refresh
// revokes this record and creates its replacement (rotation).
type RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	TenantID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}
