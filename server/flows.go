package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfit/oauth-server/pkce"
	"github.com/openfit/oauth-server/security"
	"github.com/openfit/oauth-server/signing"
	"github.com/openfit/oauth-server/storage"
)

// tokenLogLength bounds opaque token values in log output.
const tokenLogLength = 8

// BeginAuthorizationRequest carries the parameters of a GET /authorize request.
type BeginAuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
}

// TokenResponse is the success payload of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// BeginAuthorization validates an authorization request and creates the
// pending CSRF state record: the entry point of every flow. The returned
// state value binds the subsequent user-authentication step to this request.
func (s *Server) BeginAuthorization(ctx context.Context, req BeginAuthorizationRequest) (*storage.AuthorizationState, error) {
	if req.ResponseType != "" && req.ResponseType != "code" {
		return nil, fmt.Errorf("%w: unsupported response_type %q", ErrInvalidRequest, req.ResponseType)
	}

	if s.Config.RequirePKCE && req.CodeChallenge == "" {
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "missing_pkce_parameters")
		return nil, fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
	}

	if req.CodeChallenge != "" {
		if !pkce.ValidMethod(req.CodeChallengeMethod) {
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_pkce_method")
			return nil, fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidRequest, req.CodeChallengeMethod)
		}
		if req.CodeChallengeMethod == pkce.MethodPlain && !s.Config.AllowPKCEPlain {
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "plain_pkce_not_allowed")
			return nil, fmt.Errorf("%w: 'plain' code_challenge_method is not allowed", ErrInvalidRequest)
		}
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	client, err := s.clientStore.GetClient(storeCtx, req.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "unknown_client")
		return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"redirect_uri": req.RedirectURI},
		})
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := s.validateScopes(req.Scope); err != nil {
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_scope")
		return nil, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}

	now := time.Now()
	authState := &storage.AuthorizationState{
		State:               generateRandomToken(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.stateTTL()),
	}

	if err := s.flowStore.SaveAuthorizationState(storeCtx, authState); err != nil {
		return nil, fmt.Errorf("%w: failed to save authorization state: %v", ErrServerError, err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationFlowStarted,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"scope":                 req.Scope,
			"code_challenge_method": req.CodeChallengeMethod,
		},
	})

	return authState, nil
}

// CompleteAuthorization is called after the user has authenticated with the
// platform. It consumes the CSRF state exactly once and mints the
// authorization code: the Initial -> Authorized transition.
func (s *Server) CompleteAuthorization(ctx context.Context, state, userID, tenantID string) (*storage.AuthorizationCode, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	// Tenant falls back to the user's own id for single-user tenants
	if tenantID == "" {
		tenantID = userID
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	// Exactly one concurrent completion can win this consume.
	authState, err := s.flowStore.ConsumeAuthorizationState(storeCtx, state)
	if err != nil {
		s.Logger.Debug("Authorization state consumption failed",
			"reason", err.Error(),
			"state_prefix", safeTruncate(state, tokenLogLength))
		s.Auditor.LogAuthFailure(userID, "", "", "invalid_authorization_state")
		return nil, fmt.Errorf("%w: invalid or expired authorization state", ErrInvalidGrant)
	}

	flow := NewFlow(authState.ClientID, authState.RedirectURI, authState.Scope)

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            authState.ClientID,
		UserID:              userID,
		TenantID:            tenantID,
		RedirectURI:         authState.RedirectURI,
		Scope:               authState.Scope,
		CodeChallenge:       authState.CodeChallenge,
		CodeChallengeMethod: authState.CodeChallengeMethod,
		State:               authState.State,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.codeTTL()),
	}

	if err := flow.Authorize(userID, tenantID, authCode.Code, authCode.ExpiresAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerError, err)
	}

	if err := s.flowStore.SaveAuthorizationCode(storeCtx, authCode); err != nil {
		return nil, fmt.Errorf("%w: failed to save authorization code: %v", ErrServerError, err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: authState.ClientID,
		Details:  map[string]any{"scope": authState.Scope},
	})

	return authCode, nil
}

// ExchangeRequest carries the authorization_code grant parameters.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens: the
// Authorized -> Authenticated transition.
//
// The atomic check-and-mark on the code is the commit point: exactly one of
// any number of concurrent exchanges wins it. Validation failures after the
// mark leave the code burned (a failed PKCE or redirect check is itself a
// theft signal). Only a signer failure releases the code back, so a transient
// signing outage never strands an otherwise valid grant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	authCode, err := s.flowStore.AtomicCheckAndMarkAuthCodeUsed(storeCtx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			// Replay signal: someone presented a code that was already
			// exchanged. Escalation beyond the audit stream is a deployment
			// decision; here the event is the alert hook.
			s.Logger.Error("Authorization code reuse detected",
				"user_id", authCode.UserID,
				"client_id", req.ClientID,
				"code_prefix", safeTruncate(req.Code, tokenLogLength))
			s.Auditor.LogCodeReuse(authCode.UserID, req.ClientID, req.ClientIP)
		} else {
			s.Logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", req.ClientID,
				"code_prefix", safeTruncate(req.Code, tokenLogLength))
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_authorization_code")
		}
		// Generic error per RFC 6749: no oracle for the caller
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	flow := flowFromCode(authCode)

	if authCode.ClientID != req.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, tokenLogLength))
		s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.ClientIP, "client_id_mismatch")
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	// Byte-exact comparison; even a trailing slash is a mismatch
	if authCode.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, tokenLogLength))
		s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if authCode.CodeChallenge != "" {
		if authCode.CodeChallengeMethod == pkce.MethodPlain && !s.Config.AllowPKCEPlain {
			s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.ClientIP, "plain_pkce_not_allowed")
			return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}
		if err := pkce.Verify(authCode.CodeChallenge, authCode.CodeChallengeMethod, req.CodeVerifier); err != nil {
			s.Logger.Debug("PKCE validation failed",
				"reason", err.Error(),
				"client_id", req.ClientID)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"reason": err.Error()},
			})
			return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}
	}

	accessToken, err := s.signAccessToken(ctx, authCode.UserID, authCode.TenantID, req.ClientID, authCode.Scope)
	if err != nil {
		// The code was burned above but no tokens were minted. Release it so
		// the grant survives a transient signer outage.
		if relErr := s.flowStore.ReleaseAuthorizationCode(storeCtx, req.Code); relErr != nil {
			s.Logger.Error("Failed to release authorization code after signing failure",
				"error", relErr,
				"code_prefix", safeTruncate(req.Code, tokenLogLength))
		}
		s.Logger.Error("Access token signing failed", "error", err, "client_id", req.ClientID)
		return nil, fmt.Errorf("%w: token signing failed", ErrServerError)
	}

	now := time.Now()
	refreshToken := &storage.RefreshToken{
		Token:     generateRandomToken(),
		ClientID:  req.ClientID,
		UserID:    authCode.UserID,
		TenantID:  authCode.TenantID,
		Scope:     authCode.Scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.refreshTokenTTL()),
	}

	if err := s.tokenStore.SaveRefreshToken(storeCtx, refreshToken); err != nil {
		if relErr := s.flowStore.ReleaseAuthorizationCode(storeCtx, req.Code); relErr != nil {
			s.Logger.Error("Failed to release authorization code after storage failure",
				"error", relErr,
				"code_prefix", safeTruncate(req.Code, tokenLogLength))
		}
		return nil, fmt.Errorf("%w: failed to save refresh token: %v", ErrServerError, err)
	}

	if err := flow.Authenticate(accessToken, refreshToken.Token, now.Add(s.Config.accessTokenTTL())); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerError, err)
	}

	s.Auditor.LogTokenIssued(authCode.UserID, req.ClientID, req.ClientIP, authCode.Scope)
	s.Logger.Info("Issued tokens for authorization code",
		"client_id", req.ClientID,
		"scope", authCode.Scope)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshToken.Token,
		Scope:        authCode.Scope,
	}, nil
}

// RefreshAccessToken rotates a refresh token and mints a fresh access token:
// the Authenticated/Refreshable -> Authenticated transition.
//
// The atomic rotate is the commit point; the access token is signed first so
// a signing failure mutates nothing. Of two concurrent refreshes with the
// same token, exactly one wins the rotation and the other observes
// invalid_grant.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientIP string) (*TokenResponse, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	current, err := s.tokenStore.GetRefreshToken(storeCtx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenRevoked) {
			// Reuse of a rotated or revoked token. Single-rejection policy:
			// the attempt is refused and audited; the active descendant token
			// is left untouched.
			s.Logger.Warn("Refresh token reuse detected",
				"client_id", clientID,
				"token_prefix", safeTruncate(refreshToken, tokenLogLength))
			s.Auditor.LogRefreshTokenReuse("", clientID, clientIP)
		} else {
			s.Logger.Debug("Refresh token validation failed",
				"reason", err.Error(),
				"client_id", clientID,
				"token_prefix", safeTruncate(refreshToken, tokenLogLength))
			s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_refresh_token")
		}
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if current.ClientID != clientID {
		s.Auditor.LogAuthFailure(current.UserID, clientID, clientIP, "refresh_token_client_mismatch")
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	flow := flowFromRefreshToken(current)

	accessToken, err := s.signAccessToken(ctx, current.UserID, current.TenantID, clientID, current.Scope)
	if err != nil {
		s.Logger.Error("Access token signing failed", "error", err, "client_id", clientID)
		return nil, fmt.Errorf("%w: token signing failed", ErrServerError)
	}

	now := time.Now()
	replacement := &storage.RefreshToken{
		Token:     generateRandomToken(),
		ClientID:  current.ClientID,
		UserID:    current.UserID,
		TenantID:  current.TenantID,
		Scope:     current.Scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.refreshTokenTTL()),
	}

	// Rotation: revoke-and-replace in one atomic store operation
	if _, err := s.tokenStore.RotateRefreshToken(storeCtx, refreshToken, replacement); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenRevoked) {
			// Lost a concurrent rotation race: treat as reuse
			s.Auditor.LogRefreshTokenReuse(current.UserID, clientID, clientIP)
			return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}
		s.Logger.Debug("Refresh token rotation failed",
			"reason", err.Error(),
			"client_id", clientID)
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if err := flow.Refresh(accessToken, replacement.Token, now.Add(s.Config.accessTokenTTL())); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerError, err)
	}

	s.Auditor.LogTokenRefreshed(current.UserID, clientID, clientIP)
	s.Logger.Info("Rotated refresh token",
		"client_id", clientID,
		"token_prefix", safeTruncate(replacement.Token, tokenLogLength))

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: replacement.Token,
		Scope:        current.Scope,
	}, nil
}

// RevokeToken revokes a refresh token (RFC 7009). Revoking an unknown token
// succeeds so callers cannot probe for token existence.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, clientIP string) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	current, err := s.tokenStore.GetRefreshToken(storeCtx, token)
	if err == nil && current.ClientID != clientID {
		// A client may only revoke its own tokens; still report success
		s.Auditor.LogAuthFailure(current.UserID, clientID, clientIP, "revoke_client_mismatch")
		return nil
	}

	if err := s.tokenStore.RevokeRefreshToken(storeCtx, token); err != nil {
		return fmt.Errorf("%w: failed to revoke token: %v", ErrServerError, err)
	}

	if current != nil {
		flow := flowFromRefreshToken(current)
		if err := flow.Revoke(); err != nil {
			return fmt.Errorf("%w: %v", ErrServerError, err)
		}
		s.Auditor.LogTokenRevoked(current.UserID, clientID, clientIP)
	}

	s.Logger.Info("Token revoked", "client_id", clientID, "ip", clientIP)
	return nil
}

// signAccessToken requests an access token from the signing collaborator
// under the configured timeout.
func (s *Server) signAccessToken(ctx context.Context, userID, tenantID, clientID, scope string) (string, error) {
	signCtx, cancel := s.signingContext(ctx)
	defer cancel()

	return s.signer.Sign(signCtx, signing.AccessTokenRequest{
		UserID:   userID,
		TenantID: tenantID,
		ClientID: clientID,
		Scope:    scope,
		TTL:      s.Config.accessTokenTTL(),
	})
}

// auditRegistrationRejected builds the audit event for a rejected registration.
func auditRegistrationRejected(clientIP string, err error) security.Event {
	return security.Event{
		Type:      security.EventClientRegistrationRejected,
		IPAddress: clientIP,
		Details: map[string]any{
			"reason": "redirect_uri_validation_failed",
			"error":  err.Error(),
		},
	}
}

// auditClientDeleted builds the audit event for a client de-registration.
func auditClientDeleted(clientID, clientIP string) security.Event {
	return security.Event{
		Type:      security.EventClientDeleted,
		ClientID:  clientID,
		IPAddress: clientIP,
	}
}
