package oauth

// Endpoint paths served by the handler.
const (
	PathRegister  = "/oauth2/register"
	PathAuthorize = "/oauth2/authorize"
	PathToken     = "/oauth2/token"
	PathRevoke    = "/oauth2/revoke"

	PathJWKS     = "/.well-known/jwks.json"
	PathMetadata = "/.well-known/oauth-authorization-server"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// maxRequestBodyBytes caps JSON request bodies at the registration endpoint.
const maxRequestBodyBytes = 1 << 20 // 1 MiB
