package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/openfit/oauth-server/pkce"
	"github.com/openfit/oauth-server/signing"
	"github.com/openfit/oauth-server/storage"
	"github.com/openfit/oauth-server/storage/memory"
)

const (
	testRedirectURI = "https://app.example.com/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

// fakeSigner implements signing.Signer with controllable failures.
type fakeSigner struct {
	mu       sync.Mutex
	failures int // number of Sign calls to fail before succeeding
	calls    int
}

func (f *fakeSigner) Sign(_ context.Context, req signing.AccessTokenRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("signing backend unavailable")
	}
	return fmt.Sprintf("jwt-%s-%d", req.UserID, f.calls), nil
}

func (f *fakeSigner) PublicKeys(context.Context) (jwk.Set, error) {
	return jwk.NewSet(), nil
}

func newTestServer(t *testing.T, signer signing.Signer) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	if signer == nil {
		signer = &fakeSigner{}
	}

	srv, err := New(store, store, store, signer, &Config{
		Issuer:      "https://auth.example.com",
		RequirePKCE: true,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func registerTestClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()

	client, _, err := srv.RegisterClient(context.Background(), RegistrationRequest{
		RedirectURIs: []string{testRedirectURI},
		ClientName:   "Test App",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

func beginAndComplete(t *testing.T, srv *Server, clientID string) *storage.AuthorizationCode {
	t.Helper()

	ctx := context.Background()
	authState, err := srv.BeginAuthorization(ctx, BeginAuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "",
		CodeChallenge:       pkce.Challenge(testVerifier),
		CodeChallengeMethod: pkce.MethodS256,
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	authCode, err := srv.CompleteAuthorization(ctx, authState.State, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	return authCode
}

func TestBeginAuthorizationValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	challenge := pkce.Challenge(testVerifier)

	tests := []struct {
		name    string
		req     BeginAuthorizationRequest
		wantErr error
	}{
		{
			name: "unknown client",
			req: BeginAuthorizationRequest{
				ClientID:            "nope",
				RedirectURI:         testRedirectURI,
				CodeChallenge:       challenge,
				CodeChallengeMethod: pkce.MethodS256,
			},
			wantErr: ErrInvalidClient,
		},
		{
			name: "unregistered redirect",
			req: BeginAuthorizationRequest{
				ClientID:            client.ClientID,
				RedirectURI:         "https://evil.example.com/callback",
				CodeChallenge:       challenge,
				CodeChallengeMethod: pkce.MethodS256,
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "trailing slash is a different redirect",
			req: BeginAuthorizationRequest{
				ClientID:            client.ClientID,
				RedirectURI:         testRedirectURI + "/",
				CodeChallenge:       challenge,
				CodeChallengeMethod: pkce.MethodS256,
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "missing PKCE when required",
			req: BeginAuthorizationRequest{
				ClientID:    client.ClientID,
				RedirectURI: testRedirectURI,
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "plain method not allowed by default",
			req: BeginAuthorizationRequest{
				ClientID:            client.ClientID,
				RedirectURI:         testRedirectURI,
				CodeChallenge:       testVerifier,
				CodeChallengeMethod: pkce.MethodPlain,
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "unknown challenge method",
			req: BeginAuthorizationRequest{
				ClientID:            client.ClientID,
				RedirectURI:         testRedirectURI,
				CodeChallenge:       challenge,
				CodeChallengeMethod: "S512",
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "unsupported response type",
			req: BeginAuthorizationRequest{
				ClientID:            client.ClientID,
				RedirectURI:         testRedirectURI,
				ResponseType:        "token",
				CodeChallenge:       challenge,
				CodeChallengeMethod: pkce.MethodS256,
			},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.BeginAuthorization(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("BeginAuthorization() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBeginAuthorizationCreatesState(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	challenge := pkce.Challenge(testVerifier)
	authState, err := srv.BeginAuthorization(ctx, BeginAuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		Scope:               "read write",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	if authState.State == "" {
		t.Error("state value is empty")
	}
	if authState.ExpiresAt.Before(time.Now()) {
		t.Error("state already expired")
	}

	stored, err := store.GetAuthorizationState(ctx, authState.State)
	if err != nil {
		t.Fatalf("GetAuthorizationState() error = %v", err)
	}
	if stored.ClientID != client.ClientID || stored.CodeChallenge != challenge || stored.Scope != "read write" {
		t.Errorf("stored state = %+v", stored)
	}
}

func TestBeginAuthorizationScopePolicy(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(store, store, store, &fakeSigner{}, &Config{
		Issuer:          "https://auth.example.com",
		RequirePKCE:     true,
		SupportedScopes: []string{"read", "write"},
	}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	client := registerTestClient(t, srv)
	ctx := context.Background()

	_, err = srv.BeginAuthorization(ctx, BeginAuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		Scope:               "read admin",
		CodeChallenge:       pkce.Challenge(testVerifier),
		CodeChallengeMethod: pkce.MethodS256,
	})
	if !errors.Is(err, ErrInvalidScope) {
		t.Errorf("error = %v, want ErrInvalidScope", err)
	}
}

func TestCompleteAuthorization(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	authState, err := srv.BeginAuthorization(ctx, BeginAuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		Scope:               "read",
		CodeChallenge:       pkce.Challenge(testVerifier),
		CodeChallengeMethod: pkce.MethodS256,
	})
	if err != nil {
		t.Fatal(err)
	}

	authCode, err := srv.CompleteAuthorization(ctx, authState.State, "user-1", "")
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}

	if authCode.Code == "" {
		t.Error("authorization code is empty")
	}
	if authCode.UserID != "user-1" {
		t.Errorf("UserID = %q", authCode.UserID)
	}
	// Empty tenant falls back to the user id
	if authCode.TenantID != "user-1" {
		t.Errorf("TenantID = %q, want user-1", authCode.TenantID)
	}
	if authCode.RedirectURI != testRedirectURI || authCode.Scope != "read" {
		t.Errorf("code carried forward %+v", authCode)
	}
	if authCode.CodeChallenge != authState.CodeChallenge {
		t.Error("PKCE challenge not carried forward")
	}
	if authCode.State != authState.State {
		t.Error("state value not echoed on code")
	}

	// A state is single-use
	if _, err := srv.CompleteAuthorization(ctx, authState.State, "user-1", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second completion error = %v, want ErrInvalidGrant", err)
	}
}

func TestCompleteAuthorizationUnknownState(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	if _, err := srv.CompleteAuthorization(ctx, "never-issued", "user-1", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	resp, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if resp.AccessToken == "" {
		t.Error("access token is empty")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type = %q", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.RefreshToken == "" {
		t.Error("refresh token is empty")
	}

	stored, err := store.GetRefreshToken(ctx, resp.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if stored.UserID != "user-1" || stored.TenantID != "tenant-1" || stored.ClientID != client.ClientID {
		t.Errorf("refresh token record = %+v", stored)
	}
}

func TestExchangeAuthorizationCodeRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req *ExchangeRequest)
	}{
		{
			name:   "unknown code",
			mutate: func(req *ExchangeRequest) { req.Code = "never-issued" },
		},
		{
			name:   "client mismatch",
			mutate: func(req *ExchangeRequest) { req.ClientID = "other-client" },
		},
		{
			name:   "redirect mismatch",
			mutate: func(req *ExchangeRequest) { req.RedirectURI = testRedirectURI + "/" },
		},
		{
			name:   "wrong verifier",
			mutate: func(req *ExchangeRequest) { req.CodeVerifier = strings.Repeat("x", 43) },
		},
		{
			name:   "missing verifier",
			mutate: func(req *ExchangeRequest) { req.CodeVerifier = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, nil)
			client := registerTestClient(t, srv)
			authCode := beginAndComplete(t, srv, client.ClientID)

			req := ExchangeRequest{
				Code:         authCode.Code,
				ClientID:     client.ClientID,
				RedirectURI:  testRedirectURI,
				CodeVerifier: testVerifier,
			}
			tt.mutate(&req)

			if _, err := srv.ExchangeAuthorizationCode(context.Background(), req); !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("error = %v, want ErrInvalidGrant", err)
			}
		})
	}
}

func TestExchangeExpiredCode(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	expired := &storage.AuthorizationCode{
		Code:        "expired-code",
		ClientID:    client.ClientID,
		UserID:      "user-1",
		TenantID:    "tenant-1",
		RedirectURI: testRedirectURI,
		CreatedAt:   time.Now().Add(-20 * time.Minute),
		ExpiresAt:   time.Now().Add(-10 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, expired); err != nil {
		t.Fatal(err)
	}

	_, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:        "expired-code",
		ClientID:    client.ClientID,
		RedirectURI: testRedirectURI,
	})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCodeSingleUse(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	req := ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, req); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	if _, err := srv.ExchangeAuthorizationCode(ctx, req); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("replayed exchange error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeConcurrentSingleWinner(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
				Code:         authCode.Code,
				ClientID:     client.ClientID,
				RedirectURI:  testRedirectURI,
				CodeVerifier: testVerifier,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("loser error = %v, want ErrInvalidGrant", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestExchangeSignerFailureReleasesCode(t *testing.T) {
	signer := &fakeSigner{failures: 1}
	srv, _ := newTestServer(t, signer)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	req := ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, req); !errors.Is(err, ErrServerError) {
		t.Fatalf("error during signer outage = %v, want ErrServerError", err)
	}

	// The code was released; a retry after the outage succeeds
	resp, err := srv.ExchangeAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("retry after signer recovery error = %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("access token is empty on retry")
	}
}

func TestRefreshAccessToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	issued, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	refreshed, err := srv.RefreshAccessToken(ctx, issued.RefreshToken, client.ClientID, "")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if refreshed.RefreshToken == issued.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if refreshed.AccessToken == issued.AccessToken {
		t.Error("access token was not replaced")
	}

	// The old token is dead after rotation
	if _, err := srv.RefreshAccessToken(ctx, issued.RefreshToken, client.ClientID, ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("rotated token reuse error = %v, want ErrInvalidGrant", err)
	}

	// The replacement still works
	if _, err := srv.RefreshAccessToken(ctx, refreshed.RefreshToken, client.ClientID, ""); err != nil {
		t.Errorf("replacement token refresh error = %v", err)
	}
}

func TestRefreshAccessTokenClientMismatch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	issued, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := srv.RefreshAccessToken(ctx, issued.RefreshToken, "other-client", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}

	// The mismatch attempt must not have burned the token
	if _, err := srv.RefreshAccessToken(ctx, issued.RefreshToken, client.ClientID, ""); err != nil {
		t.Errorf("legitimate refresh after mismatch error = %v", err)
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	issued, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.RefreshAccessToken(context.Background(), issued.RefreshToken, client.ClientID, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("loser error = %v, want ErrInvalidGrant", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestRevokeToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	issued, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.RevokeToken(ctx, issued.RefreshToken, client.ClientID, ""); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, issued.RefreshToken, client.ClientID, ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("refresh after revoke error = %v, want ErrInvalidGrant", err)
	}

	// Unknown tokens revoke without error (RFC 7009)
	if err := srv.RevokeToken(ctx, "never-issued", client.ClientID, ""); err != nil {
		t.Errorf("revoking unknown token error = %v", err)
	}
}

func TestRevokeTokenOtherClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := registerTestClient(t, srv)
	authCode := beginAndComplete(t, srv, client.ClientID)
	ctx := context.Background()

	issued, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         authCode.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A different client revoking the token reports success but changes nothing
	if err := srv.RevokeToken(ctx, issued.RefreshToken, "other-client", ""); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, issued.RefreshToken, client.ClientID, ""); err != nil {
		t.Errorf("token should still work after foreign revocation, error = %v", err)
	}
}
