package server

import (
	"log/slog"
	"time"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Stamped into
	// access tokens and the authorization server metadata document.
	Issuer string

	// AuthorizationStateTTL is how long a pending authorization state is
	// valid, in seconds. States are single-use CSRF records; keep this short.
	AuthorizationStateTTL int64 // default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid, in
	// seconds. RFC 6749 recommends at most 10 minutes.
	AuthorizationCodeTTL int64 // default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid, in seconds
	AccessTokenTTL int64 // default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid, in seconds
	RefreshTokenTTL int64 // default: 2592000 (30 days)

	// RequirePKCE makes the code_challenge parameter mandatory on every
	// authorization request. Disabling this significantly weakens security;
	// only do so for legacy confidential clients.
	// Default: true (secure by default)
	RequirePKCE bool

	// AllowPKCEPlain allows the deprecated 'plain' code_challenge_method.
	// When false only S256 is accepted.
	// Default: false (secure by default)
	AllowPKCEPlain bool

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// AllowedRedirectSchemes lists additional non-HTTPS schemes permitted in
	// registered redirect URIs (e.g. "myapp" for native clients). "https" is
	// always permitted, and "http" is permitted for loopback hosts only.
	AllowedRedirectSchemes []string

	// SigningTimeout bounds each call to the token-signing collaborator.
	// A signing timeout never leaves an authorization code stranded in the
	// used state; the code is released back for another attempt.
	SigningTimeout time.Duration // default: 5s

	// StoreTimeout bounds each storage operation issued by the server.
	StoreTimeout time.Duration // default: 5s

	// TrustProxy enables trusting X-Forwarded-For / X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used to pick the client address out of X-Forwarded-For.
	TrustedProxyCount int // default: 1
}

// applyDefaults fills in zero values with the secure defaults.
// It never overrides an explicitly configured value.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationStateTTL == 0 {
		config.AuthorizationStateTTL = 600
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.SigningTimeout == 0 {
		config.SigningTimeout = 5 * time.Second
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = 5 * time.Second
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	applySecurityDefaults(config, logger)

	return config
}

// applySecurityDefaults fills in the boolean security settings, which cannot
// be distinguished from the zero value the way the numeric fields can.
// A config with every security boolean false is treated as fresh and gets
// RequirePKCE turned on; a config where any of them was set explicitly is
// left alone, with warnings for the insecure choices.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	fresh := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy

	if fresh {
		config.RequirePKCE = true
		return
	}

	if !config.RequirePKCE {
		logger.Warn("PKCE is not required; public clients are exposed to code interception attacks")
	}
	if config.AllowPKCEPlain {
		logger.Warn("'plain' PKCE method is enabled; S256 is strongly recommended (OAuth 2.1)")
	}
}

// stateTTL returns the authorization state lifetime as a duration.
func (c *Config) stateTTL() time.Duration {
	return time.Duration(c.AuthorizationStateTTL) * time.Second
}

// codeTTL returns the authorization code lifetime as a duration.
func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// accessTokenTTL returns the access token lifetime as a duration.
func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// refreshTokenTTL returns the refresh token lifetime as a duration.
func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}
