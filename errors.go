package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openfit/oauth-server/server"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2).
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError is an OAuth 2.0 error response with its HTTP status.
type OAuthError struct {
	Code        string // RFC 6749 error code
	Description string // human-readable description, safe to return to clients
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// mapServerError translates a server-layer sentinel into the OAuthError the
// HTTP layer writes. Grant failures carry a fixed generic description; the
// precise cause stays in the server-side logs.
func mapServerError(err error) *OAuthError {
	switch {
	case errors.Is(err, server.ErrInvalidGrant):
		return NewOAuthError(ErrorCodeInvalidGrant, "The provided grant is invalid, expired, or revoked", http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidClient):
		return NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	case errors.Is(err, server.ErrInvalidScope):
		return NewOAuthError(ErrorCodeInvalidScope, "The requested scope is not supported", http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return NewOAuthError(ErrorCodeInvalidRedirectURI, "The redirect URI is invalid or not registered", http.StatusBadRequest)
	case errors.Is(err, server.ErrUnsupportedGrantType):
		return NewOAuthError(ErrorCodeUnsupportedGrantType, "The grant type is not supported", http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidRequest):
		return NewOAuthError(ErrorCodeInvalidRequest, trimSentinel(err, server.ErrInvalidRequest), http.StatusBadRequest)
	default:
		return NewOAuthError(ErrorCodeServerError, "An internal error occurred", http.StatusInternalServerError)
	}
}

// trimSentinel strips the wrapped sentinel prefix ("invalid_request: ") from
// an error message so descriptions do not repeat the code.
func trimSentinel(err error, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
