package server

import "errors"

// Sentinel errors mapped by the HTTP layer onto the RFC 6749 error
// vocabulary. Grant failures are deliberately indistinct: an expired code, a
// used code, a PKCE mismatch, and a redirect mismatch all surface as
// ErrInvalidGrant so responses leak nothing an attacker can use as an oracle.
// The precise cause is logged and audited server-side.
var (
	// ErrInvalidRequest indicates a malformed request (missing/invalid fields)
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrInvalidClient indicates an unknown client or failed client authentication
	ErrInvalidClient = errors.New("invalid_client")

	// ErrInvalidGrant indicates an expired, used, or mismatched code or
	// refresh token, a PKCE failure, or a redirect URI mismatch
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrInvalidScope indicates a requested scope outside the supported set
	ErrInvalidScope = errors.New("invalid_scope")

	// ErrInvalidRedirectURI indicates a redirect URI failing registration policy
	ErrInvalidRedirectURI = errors.New("invalid_redirect_uri")

	// ErrUnsupportedGrantType indicates a grant_type this server does not issue
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")

	// ErrServerError indicates a storage or signing failure
	ErrServerError = errors.New("server_error")
)
