package server

import (
	"errors"
	"testing"
	"time"

	"github.com/openfit/oauth-server/storage"
)

func TestFlowHappyPath(t *testing.T) {
	flow := NewFlow("client-1", "https://app.example.com/callback", "read write")
	if flow.State != StateInitial {
		t.Fatalf("new flow state = %v, want %v", flow.State, StateInitial)
	}

	codeExpiry := time.Now().Add(10 * time.Minute)
	if err := flow.Authorize("user-1", "tenant-1", "code-abc", codeExpiry); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if flow.State != StateAuthorized {
		t.Errorf("state after Authorize = %v, want %v", flow.State, StateAuthorized)
	}
	if flow.UserID != "user-1" || flow.TenantID != "tenant-1" {
		t.Errorf("flow identity = (%q, %q), want (user-1, tenant-1)", flow.UserID, flow.TenantID)
	}

	accessExpiry := time.Now().Add(time.Hour)
	if err := flow.Authenticate("access-token", "refresh-token", accessExpiry); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if flow.State != StateAuthenticated {
		t.Errorf("state after Authenticate = %v, want %v", flow.State, StateAuthenticated)
	}
	if flow.Code != "" {
		t.Errorf("code not cleared after Authenticate: %q", flow.Code)
	}

	if err := flow.Refresh("access-token-2", "refresh-token-2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if flow.AccessToken != "access-token-2" || flow.RefreshToken != "refresh-token-2" {
		t.Errorf("tokens after Refresh = (%q, %q)", flow.AccessToken, flow.RefreshToken)
	}

	if err := flow.Revoke(); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if flow.State != StateRevoked {
		t.Errorf("state after Revoke = %v, want %v", flow.State, StateRevoked)
	}
	if flow.AccessToken != "" || flow.RefreshToken != "" {
		t.Errorf("tokens not cleared after Revoke")
	}
}

func TestFlowIllegalTransitions(t *testing.T) {
	expiry := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		run  func() error
	}{
		{
			name: "authenticate before authorize",
			run: func() error {
				flow := NewFlow("c", "https://cb", "")
				return flow.Authenticate("at", "rt", expiry)
			},
		},
		{
			name: "authorize twice",
			run: func() error {
				flow := NewFlow("c", "https://cb", "")
				if err := flow.Authorize("u", "t", "code", expiry); err != nil {
					return err
				}
				return flow.Authorize("u", "t", "code2", expiry)
			},
		},
		{
			name: "refresh before authenticate",
			run: func() error {
				flow := NewFlow("c", "https://cb", "")
				if err := flow.Authorize("u", "t", "code", expiry); err != nil {
					return err
				}
				return flow.Refresh("at", "rt", expiry)
			},
		},
		{
			name: "needs refresh while access token live",
			run: func() error {
				flow := NewFlow("c", "https://cb", "")
				if err := flow.Authorize("u", "t", "code", expiry); err != nil {
					return err
				}
				if err := flow.Authenticate("at", "rt", expiry); err != nil {
					return err
				}
				return flow.NeedsRefresh()
			},
		},
		{
			name: "authorize after revoke",
			run: func() error {
				flow := NewFlow("c", "https://cb", "")
				if err := flow.Revoke(); err != nil {
					return err
				}
				return flow.Authorize("u", "t", "code", expiry)
			},
		},
		{
			name: "revoke twice",
			run: func() error {
				flow := NewFlow("c", "https://cb", "")
				if err := flow.Revoke(); err != nil {
					return err
				}
				return flow.Revoke()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestFlowNeedsRefresh(t *testing.T) {
	flow := NewFlow("c", "https://cb", "")
	if err := flow.Authorize("u", "t", "code", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// Access token already expired
	if err := flow.Authenticate("at", "rt", time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := flow.NeedsRefresh(); err != nil {
		t.Fatalf("NeedsRefresh() error = %v", err)
	}
	if flow.State != StateRefreshable {
		t.Errorf("state = %v, want %v", flow.State, StateRefreshable)
	}
	if flow.AccessToken != "" {
		t.Errorf("expired access token not cleared")
	}

	// Refreshable -> Authenticated
	if err := flow.Refresh("at2", "rt2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Refresh() from Refreshable error = %v", err)
	}
	if flow.State != StateAuthenticated {
		t.Errorf("state = %v, want %v", flow.State, StateAuthenticated)
	}
}

func TestFlowFromCode(t *testing.T) {
	code := &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    "client-1",
		UserID:      "user-1",
		TenantID:    "tenant-1",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "read",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}

	flow := flowFromCode(code)
	if flow.State != StateAuthorized {
		t.Fatalf("state = %v, want %v", flow.State, StateAuthorized)
	}
	if err := flow.Authenticate("at", "rt", time.Now().Add(time.Hour)); err != nil {
		t.Errorf("Authenticate() from reconstructed flow error = %v", err)
	}
}

func TestFlowFromRefreshToken(t *testing.T) {
	token := &storage.RefreshToken{
		Token:    "rt-1",
		ClientID: "client-1",
		UserID:   "user-1",
		TenantID: "tenant-1",
		Scope:    "read",
	}

	flow := flowFromRefreshToken(token)
	if flow.State != StateRefreshable {
		t.Fatalf("state = %v, want %v", flow.State, StateRefreshable)
	}
	if err := flow.Refresh("at", "rt-2", time.Now().Add(time.Hour)); err != nil {
		t.Errorf("Refresh() from reconstructed flow error = %v", err)
	}
}

func TestFlowStateString(t *testing.T) {
	tests := []struct {
		state FlowState
		want  string
	}{
		{StateInitial, "initial"},
		{StateAuthorized, "authorized"},
		{StateAuthenticated, "authenticated"},
		{StateRefreshable, "refreshable"},
		{StateRevoked, "revoked"},
		{FlowState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("FlowState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
