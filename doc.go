// Package oauth implements an OAuth 2.0 authorization server with dynamic
// client registration (RFC 7591), the authorization-code grant with PKCE
// (RFC 7636), refresh token rotation, token revocation (RFC 7009), and
// per-endpoint rate limiting.
//
// The package is organized in layers:
//
//   - The root package exposes the HTTP surface: registration, authorization,
//     token, and revocation endpoints plus the JWKS and RFC 8414 metadata
//     documents. User authentication is delegated to an injected
//     Authenticator; this module never sees credentials.
//   - server holds the protocol logic: the flow state machine, PKCE and
//     redirect URI validation, and the token issuance and rotation rules.
//   - storage defines the persistence interfaces with in-memory, PostgreSQL,
//     and Redis backends. The single-use and rotation invariants are enforced
//     by atomic conditional operations in each backend.
//   - signing defines the access token signer collaborator with a local
//     RS256 implementation.
//   - security provides rate limiting, audit logging, and client IP and
//     request id handling.
//
// Minimal usage:
//
//	store := memory.New()
//	signer, _ := signing.NewRS256Signer("https://auth.example.com")
//	srv, _ := server.New(store, store, store, signer, &server.Config{
//		Issuer: "https://auth.example.com",
//	}, logger)
//	handler, _ := oauth.NewHandler(srv, authenticator, logger)
//	http.ListenAndServe(":8080", handler.Routes())
package oauth
