package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openfit/oauth-server/storage"
)

// Default grant and response types assigned to registrations that omit them
// (RFC 7591 Section 2).
var (
	defaultGrantTypes    = []string{"authorization_code", "refresh_token"}
	defaultResponseTypes = []string{"code"}
)

// RegistrationRequest carries the RFC 7591 fields this server accepts.
type RegistrationRequest struct {
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
	ClientName    string
	ClientURI     string
	Scope         string
}

// RegisterClient registers a new OAuth client (RFC 7591).
//
// The client secret is generated here, bcrypt-hashed for storage, and
// returned in plaintext exactly once. There is no API that yields it again.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest, clientIP string) (*storage.Client, string, error) {
	if err := s.ValidateRedirectURIsForRegistration(req.RedirectURIs); err != nil {
		s.Auditor.LogEvent(auditRegistrationRejected(clientIP, err))
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"client_ip", clientIP)
		return nil, "", err
	}

	clientID := generateRandomToken()
	clientSecret := generateRandomToken()

	secretHash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to hash client secret: %v", ErrServerError, err)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}

	client := &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: string(secretHash),
		RedirectURIs:     req.RedirectURIs,
		GrantTypes:       grantTypes,
		ResponseTypes:    responseTypes,
		ClientName:       req.ClientName,
		ClientURI:        req.ClientURI,
		Scope:            req.Scope,
		CreatedAt:        time.Now(),
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.clientStore.SaveClient(storeCtx, client); err != nil {
		return nil, "", fmt.Errorf("%w: failed to save client: %v", ErrServerError, err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.ClientName, clientIP)
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs),
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// DeregisterClient removes a client registration.
func (s *Server) DeregisterClient(ctx context.Context, clientID, clientIP string) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.clientStore.DeleteClient(storeCtx, clientID); err != nil {
		if err == storage.ErrClientNotFound {
			return fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return fmt.Errorf("%w: failed to delete client: %v", ErrServerError, err)
	}

	s.Auditor.LogEvent(auditClientDeleted(clientID, clientIP))
	s.Logger.Info("Deleted OAuth client", "client_id", clientID, "client_ip", clientIP)
	return nil
}
