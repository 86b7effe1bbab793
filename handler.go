package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openfit/oauth-server/instrumentation"
	"github.com/openfit/oauth-server/security"
	"github.com/openfit/oauth-server/server"
)

// ErrNotAuthenticated is returned by an Authenticator when the request
// carries no valid user session.
var ErrNotAuthenticated = errors.New("not authenticated")

// UserInfo identifies the authenticated user behind an authorization request.
type UserInfo struct {
	UserID   string
	TenantID string // empty means the user's personal tenant
}

// Authenticator resolves the user session on an authorization request. User
// authentication itself (passwords, sessions, SSO) lives outside this module;
// the handler only needs to know who the user is.
type Authenticator interface {
	// Authenticate returns the user behind the request, or
	// ErrNotAuthenticated when there is no valid session.
	Authenticate(r *http.Request) (*UserInfo, error)
}

// Handler exposes the authorization server over HTTP.
type Handler struct {
	server        *server.Server
	authenticator Authenticator
	logger        *slog.Logger

	limiter *security.EndpointLimiter
	metrics *instrumentation.Metrics

	// loginURL receives unauthenticated /authorize requests with a
	// return_to parameter pointing back at the original request.
	loginURL string
}

// NewHandler creates an HTTP handler for the OAuth server.
func NewHandler(srv *server.Server, authenticator Authenticator, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:        srv,
		authenticator: authenticator,
		logger:        logger,
	}, nil
}

// SetRateLimiter installs per-endpoint rate limiting.
func (h *Handler) SetRateLimiter(limiter *security.EndpointLimiter) {
	h.limiter = limiter
}

// SetMetrics installs metric instruments.
func (h *Handler) SetMetrics(m *instrumentation.Metrics) {
	h.metrics = m
}

// SetLoginURL sets the URL unauthenticated authorization requests are
// redirected to. When empty, unauthenticated requests get a 401.
func (h *Handler) SetLoginURL(loginURL string) {
	h.loginURL = loginURL
}

// Routes returns the router serving the OAuth endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)

	r.Post(PathRegister, h.ServeClientRegistration)
	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathToken, h.ServeToken)
	r.Post(PathRevoke, h.ServeRevocation)
	r.Get(PathJWKS, h.ServeJWKS)
	r.Get(PathMetadata, h.ServeAuthorizationServerMetadata)

	return r
}

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := h.clientIP(r)

	if !h.checkRateLimit(w, r, "register", clientIP) {
		h.recordHTTPMetrics(r, "register", http.StatusTooManyRequests, startTime)
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest))
		h.recordHTTPMetrics(r, "register", http.StatusBadRequest, startTime)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(r.Context(), server.RegistrationRequest{
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    req.GrantTypes,
		ResponseTypes: req.ResponseTypes,
		ClientName:    req.ClientName,
		ClientURI:     req.ClientURI,
		Scope:         req.Scope,
	}, clientIP)
	if err != nil {
		oauthErr := mapServerError(err)
		h.writeError(w, r, oauthErr)
		h.recordHTTPMetrics(r, "register", oauthErr.Status, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.ClientRegistered.Add(r.Context(), 1)
	}

	resp := ClientRegistrationResponse{
		ClientID:              client.ClientID,
		ClientSecret:          clientSecret,
		ClientIDIssuedAt:      client.CreatedAt.Unix(),
		ClientSecretExpiresAt: 0,
		RedirectURIs:          client.RedirectURIs,
		GrantTypes:            client.GrantTypes,
		ResponseTypes:         client.ResponseTypes,
		ClientName:            client.ClientName,
		ClientURI:             client.ClientURI,
		Scope:                 client.Scope,
	}
	h.writeJSON(w, http.StatusCreated, resp)
	h.recordHTTPMetrics(r, "register", http.StatusCreated, startTime)
}

// ServeAuthorization handles the authorization endpoint.
//
// An unauthenticated user is redirected to the login URL with a return_to
// parameter; on return the request runs again with a session in place, and
// the flow begins and completes within this single handler call. The
// client-supplied state parameter is echoed back on the final redirect
// (RFC 6749 Section 4.1.2).
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := h.clientIP(r)
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	clientState := q.Get("state")

	identifier := clientID
	if identifier == "" {
		identifier = clientIP
	}
	if !h.checkRateLimit(w, r, "authorize", identifier) {
		h.recordHTTPMetrics(r, "authorize", http.StatusTooManyRequests, startTime)
		return
	}

	if clientID == "" {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest))
		h.recordHTTPMetrics(r, "authorize", http.StatusBadRequest, startTime)
		return
	}

	user, err := h.authenticator.Authenticate(r)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) && h.loginURL != "" {
			h.redirectToLogin(w, r)
			h.recordHTTPMetrics(r, "authorize", http.StatusFound, startTime)
			return
		}
		h.logger.Warn("Authorization request without valid session", "client_id", clientID, "ip", clientIP)
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "Authentication required", http.StatusUnauthorized))
		h.recordHTTPMetrics(r, "authorize", http.StatusUnauthorized, startTime)
		return
	}

	authState, err := h.server.BeginAuthorization(r.Context(), server.BeginAuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientIP:            clientIP,
	})
	if err != nil {
		h.authorizationError(w, r, redirectURI, clientState, err)
		h.recordHTTPMetrics(r, "authorize", mapServerError(err).Status, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.AuthorizationStarted.Add(r.Context(), 1)
	}

	authCode, err := h.server.CompleteAuthorization(r.Context(), authState.State, user.UserID, user.TenantID)
	if err != nil {
		h.authorizationError(w, r, redirectURI, clientState, err)
		h.recordHTTPMetrics(r, "authorize", mapServerError(err).Status, startTime)
		return
	}

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, r, NewOAuthError(ErrorCodeServerError, "Invalid redirect URI", http.StatusInternalServerError))
		h.recordHTTPMetrics(r, "authorize", http.StatusInternalServerError, startTime)
		return
	}
	params := redirect.Query()
	params.Set("code", authCode.Code)
	if clientState != "" {
		params.Set("state", clientState)
	}
	redirect.RawQuery = params.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
	h.recordHTTPMetrics(r, "authorize", http.StatusFound, startTime)
}

// redirectToLogin sends an unauthenticated user to the login page with the
// full authorization request as the return destination.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	login, err := url.Parse(h.loginURL)
	if err != nil {
		h.writeError(w, r, NewOAuthError(ErrorCodeServerError, "Login redirect unavailable", http.StatusInternalServerError))
		return
	}
	params := login.Query()
	params.Set("return_to", r.URL.RequestURI())
	login.RawQuery = params.Encode()
	http.Redirect(w, r, login.String(), http.StatusFound)
}

// authorizationError reports an authorization failure. Failures after the
// redirect URI has been validated go back via redirect with error parameters
// (RFC 6749 Section 4.1.2.1); anything earlier gets a direct error response
// so an unvalidated URI is never used as a redirect target.
func (h *Handler) authorizationError(w http.ResponseWriter, r *http.Request, redirectURI, clientState string, err error) {
	oauthErr := mapServerError(err)

	// invalid_grant belongs to the token endpoint vocabulary; the
	// authorization response reports the same failures as access_denied
	// (RFC 6749 Section 4.1.2.1).
	if oauthErr.Code == ErrorCodeInvalidGrant {
		oauthErr = NewOAuthError(ErrorCodeAccessDenied, "The authorization request was denied", http.StatusForbidden)
	}

	redirectable := oauthErr.Code == ErrorCodeInvalidScope ||
		oauthErr.Code == ErrorCodeServerError ||
		oauthErr.Code == ErrorCodeAccessDenied
	if !redirectable || redirectURI == "" {
		h.writeError(w, r, oauthErr)
		return
	}

	redirect, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		h.writeError(w, r, oauthErr)
		return
	}
	params := redirect.Query()
	params.Set("error", oauthErr.Code)
	params.Set("error_description", oauthErr.Description)
	if clientState != "" {
		params.Set("state", clientState)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := h.clientIP(r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest))
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)

	identifier := clientID
	if identifier == "" {
		identifier = clientIP
	}
	if !h.checkRateLimit(w, r, "token", identifier) {
		h.recordHTTPMetrics(r, "token", http.StatusTooManyRequests, startTime)
		return
	}

	if clientID == "" {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized))
		h.recordHTTPMetrics(r, "token", http.StatusUnauthorized, startTime)
		return
	}
	if err := h.server.ValidateClientCredentials(r.Context(), clientID, clientSecret); err != nil {
		h.logger.Warn("Client authentication failed at token endpoint", "client_id", clientID, "ip", clientIP)
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized))
		h.recordHTTPMetrics(r, "token", http.StatusUnauthorized, startTime)
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, clientID, clientIP, startTime)
	case GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, clientID, clientIP, startTime)
	default:
		h.writeError(w, r, NewOAuthError(ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q is not supported", grantType), http.StatusBadRequest))
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientID, clientIP string, startTime time.Time) {
	code := r.PostFormValue("code")
	if code == "" {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest))
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		return
	}

	resp, err := h.server.ExchangeAuthorizationCode(r.Context(), server.ExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientIP:     clientIP,
	})
	if err != nil {
		oauthErr := mapServerError(err)
		h.writeError(w, r, oauthErr)
		h.recordHTTPMetrics(r, "token", oauthErr.Status, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.CodeExchanged.Add(r.Context(), 1)
	}
	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTPMetrics(r, "token", http.StatusOK, startTime)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientID, clientIP string, startTime time.Time) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest))
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		return
	}

	resp, err := h.server.RefreshAccessToken(r.Context(), refreshToken, clientID, clientIP)
	if err != nil {
		oauthErr := mapServerError(err)
		h.writeError(w, r, oauthErr)
		h.recordHTTPMetrics(r, "token", oauthErr.Status, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.TokenRefreshed.Add(r.Context(), 1)
	}
	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTPMetrics(r, "token", http.StatusOK, startTime)
}

// ServeRevocation handles token revocation (RFC 7009). The endpoint returns
// 200 regardless of whether the token existed.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := h.clientIP(r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest))
		h.recordHTTPMetrics(r, "revoke", http.StatusBadRequest, startTime)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)

	identifier := clientID
	if identifier == "" {
		identifier = clientIP
	}
	if !h.checkRateLimit(w, r, "revoke", identifier) {
		h.recordHTTPMetrics(r, "revoke", http.StatusTooManyRequests, startTime)
		return
	}

	if clientID == "" {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized))
		h.recordHTTPMetrics(r, "revoke", http.StatusUnauthorized, startTime)
		return
	}
	if err := h.server.ValidateClientCredentials(r.Context(), clientID, clientSecret); err != nil {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized))
		h.recordHTTPMetrics(r, "revoke", http.StatusUnauthorized, startTime)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, r, NewOAuthError(ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest))
		h.recordHTTPMetrics(r, "revoke", http.StatusBadRequest, startTime)
		return
	}

	if err := h.server.RevokeToken(r.Context(), token, clientID, clientIP); err != nil {
		// RFC 7009: the client cannot act on a revocation failure, so the
		// error is logged and the request still succeeds
		h.logger.Error("Failed to revoke token", "client_id", clientID, "ip", clientIP, "error", err)
	} else if h.metrics != nil {
		h.metrics.TokenRevoked.Add(r.Context(), 1)
	}

	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics(r, "revoke", http.StatusOK, startTime)
}

// ServeJWKS serves the signer's public keys as a JWK Set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.server.Signer().PublicKeys(r.Context())
	if err != nil {
		h.logger.Error("Failed to export public keys", "error", err)
		h.writeError(w, r, NewOAuthError(ErrorCodeServerError, "An internal error occurred", http.StatusInternalServerError))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := json.NewEncoder(w).Encode(set); err != nil {
		h.logger.Error("Failed to encode JWK set", "error", err)
	}
}

// ServeAuthorizationServerMetadata serves the RFC 8414 metadata document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")

	methods := []string{"S256"}
	if h.server.Config.AllowPKCEPlain {
		methods = append(methods, "plain")
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RegistrationEndpoint:              issuer + PathRegister,
		RevocationEndpoint:                issuer + PathRevoke,
		JWKSURI:                           issuer + PathJWKS,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     methods,
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, metadata)
}

// clientCredentials extracts client_id and client_secret from HTTP Basic auth
// or the form body (client_secret_basic / client_secret_post).
func (h *Handler) clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 Appendix B: credentials are form-urlencoded inside Basic auth
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// checkRateLimit returns false and writes a 429 when the endpoint limit for
// the identifier is exhausted. The store is never touched on a denied request.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint, identifier string) bool {
	if h.limiter == nil || h.limiter.Allow(endpoint, identifier) {
		return true
	}

	clientIP := h.clientIP(r)
	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", clientIP)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	}

	h.writeError(w, r, NewOAuthError(ErrorCodeRateLimitExceeded,
		"Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// writeError writes an OAuth error response body (RFC 6749 Section 5.2).
// server_error responses carry the request correlation id so operators can
// find the matching log lines without any internal detail leaking.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, oauthErr *OAuthError) {
	description := oauthErr.Description
	if oauthErr.Code == ErrorCodeServerError {
		if requestID := security.GetRequestID(r.Context()); requestID != "" {
			description = fmt.Sprintf("%s (request_id: %s)", description, requestID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(oauthErr.Status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: description,
	}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	// Metrics recording must survive a canceled request context
	h.metrics.RecordHTTPRequest(context.WithoutCancel(r.Context()), r.Method, endpoint, status,
		float64(time.Since(startTime).Microseconds())/1000.0)
}
