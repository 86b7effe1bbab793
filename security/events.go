package security

// Event type constants for security audit logging. Using constants keeps the
// event stream greppable and prevents typos at call sites.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access+refresh token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the client
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when an authorization flow begins
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when an authorization code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventStateConsumed is logged when a CSRF state record is consumed
	EventStateConsumed = "authorization_state_consumed"

	// EventCodeReuseDetected is logged when a used authorization code is
	// presented again (possible replay / code interception)
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is
	// presented again (possible token theft)
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientDeleted is logged when a client registration is removed
	EventClientDeleted = "client_deleted"

	// EventClientRegistrationRejected is logged when registration is rejected
	EventClientRegistrationRejected = "client_registration_rejected"

	// Security violation events

	// EventAuthFailure is logged when authentication or a grant fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a guarded endpoint rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect URI fails exact matching
	EventInvalidRedirect = "invalid_redirect"
)
