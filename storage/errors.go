package storage

import "errors"

// Sentinel errors shared by all storage backends. Callers translate these
// into the generic OAuth error vocabulary; the precise cause is only ever
// logged, never returned to the client.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret does not match the stored hash
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrStateNotFound indicates the authorization state is unknown
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrStateUsed indicates the authorization state was already consumed
	ErrStateUsed = errors.New("authorization state already used")

	// ErrAuthorizationCodeNotFound indicates the authorization code is unknown
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed indicates the authorization code was already exchanged
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrRefreshTokenNotFound indicates the refresh token is unknown
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenRevoked indicates the refresh token was revoked or rotated away
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")

	// ErrTokenExpired indicates a state, code, or token is past its expiry
	ErrTokenExpired = errors.New("token expired")
)
