package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/openfit/oauth-server/security"
	"github.com/openfit/oauth-server/signing"
	"github.com/openfit/oauth-server/storage"
)

// Server implements the OAuth 2.0 authorization server logic: dynamic client
// registration, the authorization-code grant with PKCE, and token issuance
// with refresh rotation. It coordinates the storage backends and the external
// token-signing collaborator; HTTP wiring lives in the root package.
type Server struct {
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	tokenStore  storage.TokenStore
	signer      signing.Signer

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config
}

// New creates a new OAuth authorization server.
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	signer signing.Signer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	return &Server{
		clientStore: clientStore,
		flowStore:   flowStore,
		tokenStore:  tokenStore,
		signer:      signer,
		Config:      config,
		Logger:      logger,
	}, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// Signer exposes the token-signing collaborator, e.g. for serving its JWKS.
func (s *Server) Signer() signing.Signer {
	return s.signer
}

// GetClient retrieves a client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.clientStore.GetClient(ctx, clientID)
}

// ValidateClientCredentials validates client credentials for the token endpoint.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// storeContext bounds a storage operation with the configured timeout.
func (s *Server) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.StoreTimeout)
}

// signingContext bounds a signing call with the configured timeout.
func (s *Server) signingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.SigningTimeout)
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier produces a URL-safe base64 string with 256 bits of
// entropy, suitable for codes, state values, client ids, and refresh tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// safeTruncate truncates a string for logging without panicking.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
