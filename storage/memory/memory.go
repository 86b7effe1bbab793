// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openfit/oauth-server/security"
	"github.com/openfit/oauth-server/storage"
)

// tokenLogLength is the number of characters included when logging opaque
// token values. Enough for correlation, useless for replay.
const tokenLogLength = 8

// Store is an in-memory implementation of ClientStore, FlowStore, and
// TokenStore. All mutations happen under a single mutex, which makes the
// conditional check-and-mark operations trivially atomic.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	authStates    map[string]*storage.AuthorizationState
	authCodes     map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// Expired states, codes, and revoked tokens are swept on this interval by a
// background goroutine; call Stop when done.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authStates:      make(map[string]*storage.AuthorizationState),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clientCopy := *client
	s.clients[client.ClientID] = &clientCopy

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	if security.IsExpired(client.ExpiresAt) {
		return nil, fmt.Errorf("%w: client registration expired", storage.ErrClientNotFound)
	}

	clientCopy := *client
	return &clientCopy, nil
}

// ValidateClientSecret validates a client's secret against the stored bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		return storage.ErrClientNotFound
	}
	if client.ClientSecretHash == "" {
		// Public client: no secret to check
		if clientSecret == "" {
			return nil
		}
		return storage.ErrInvalidClientSecret
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.clients, clientID)

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clientCopy := *client
		clients = append(clients, &clientCopy)
	}
	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState saves the state of a pending authorization flow
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stateCopy := *state
	s.authStates[state.State] = &stateCopy

	s.logger.Debug("Saved authorization state",
		"state_prefix", truncate(state.State, tokenLogLength),
		"client_id", state.ClientID)
	return nil
}

// GetAuthorizationState retrieves an authorization state by state value
func (s *Store) GetAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.authStates[state]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	if security.IsExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization state expired", storage.ErrTokenExpired)
	}

	recordCopy := *record
	return &recordCopy, nil
}

// ConsumeAuthorizationState atomically validates and marks a state as used.
// Only one concurrent caller can win; the rest observe ErrStateUsed.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	s.mu.Lock() // write lock: this is a check-and-set
	defer s.mu.Unlock()

	record, ok := s.authStates[state]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	if security.IsExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization state expired", storage.ErrTokenExpired)
	}
	if record.Used {
		return nil, storage.ErrStateUsed
	}

	record.Used = true

	s.logger.Debug("Consumed authorization state",
		"state_prefix", truncate(state, tokenLogLength),
		"client_id", record.ClientID)

	recordCopy := *record
	return &recordCopy, nil
}

// DeleteAuthorizationState removes an authorization state
func (s *Store) DeleteAuthorizationState(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authStates, state)
	return nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codeCopy := *code
	s.authCodes[code.Code] = &codeCopy

	s.logger.Debug("Saved authorization code",
		"code_prefix", truncate(code.Code, tokenLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if security.IsExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and
// marks it as used. Exactly one concurrent exchange succeeds.
//
// The record is only returned alongside ErrAuthorizationCodeUsed so the
// caller can raise a replay signal; not-found and expired return nil to
// prevent information leakage.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock() // write lock: this is a check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if security.IsExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}
	if authCode.Used {
		codeCopy := *authCode
		return &codeCopy, storage.ErrAuthorizationCodeUsed
	}

	authCode.Used = true

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", truncate(code, tokenLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// ReleaseAuthorizationCode flips a used code back to unused. Compensation for
// a signer failure after the code was burned; never called on any other path.
func (s *Store) ReleaseAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return storage.ErrAuthorizationCodeNotFound
	}
	authCode.Used = false

	s.logger.Debug("Released authorization code",
		"code_prefix", truncate(code, tokenLogLength))
	return nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCopy := *token
	s.refreshTokens[token.Token] = &tokenCopy

	s.logger.Debug("Saved refresh token",
		"token_prefix", truncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token by its opaque value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if record.Revoked {
		return nil, storage.ErrRefreshTokenRevoked
	}
	if security.IsExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	recordCopy := *record
	return &recordCopy, nil
}

// RotateRefreshToken atomically revokes the presented token and saves its
// replacement. Only one concurrent rotation of the same token can win.
func (s *Store) RotateRefreshToken(ctx context.Context, token string, replacement *storage.RefreshToken) (*storage.RefreshToken, error) {
	if replacement == nil || replacement.Token == "" {
		return nil, fmt.Errorf("invalid replacement refresh token")
	}

	s.mu.Lock() // write lock: revoke-and-replace is a single critical section
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if record.Revoked {
		return nil, storage.ErrRefreshTokenRevoked
	}
	if security.IsExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	record.Revoked = true
	replacementCopy := *replacement
	s.refreshTokens[replacement.Token] = &replacementCopy

	s.logger.Debug("Rotated refresh token",
		"old_prefix", truncate(token, tokenLogLength),
		"new_prefix", truncate(replacement.Token, tokenLogLength))

	recordCopy := *record
	return &recordCopy, nil
}

// RevokeRefreshToken marks a refresh token as revoked. Unknown tokens are not
// an error (RFC 7009 semantics).
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil
	}
	record.Revoked = true

	s.logger.Debug("Revoked refresh token",
		"token_prefix", truncate(token, tokenLogLength))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for state, record := range s.authStates {
		if record.Used || security.IsExpired(record.ExpiresAt) {
			delete(s.authStates, state)
			cleaned++
		}
	}

	// Used codes are retained until expiry so reuse attempts remain
	// detectable as replay signals rather than plain not-found errors.
	for code, authCode := range s.authCodes {
		if security.IsExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	// Revoked refresh tokens are retained until expiry for the same reason.
	for token, record := range s.refreshTokens {
		if security.IsExpired(record.ExpiresAt) {
			delete(s.refreshTokens, token)
			cleaned++
		}
	}

	for clientID, client := range s.clients {
		if security.IsExpired(client.ExpiresAt) {
			delete(s.clients, clientID)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
