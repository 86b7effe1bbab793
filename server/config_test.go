package server

import (
	"log/slog"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := applyDefaults(&Config{Issuer: "https://auth.example.com"}, slog.Default())

	if cfg.AuthorizationStateTTL != 600 {
		t.Errorf("AuthorizationStateTTL = %d, want 600", cfg.AuthorizationStateTTL)
	}
	if cfg.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", cfg.AuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 2592000 {
		t.Errorf("RefreshTokenTTL = %d, want 2592000", cfg.RefreshTokenTTL)
	}
	if cfg.SigningTimeout != 5*time.Second {
		t.Errorf("SigningTimeout = %v, want 5s", cfg.SigningTimeout)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("StoreTimeout = %v, want 5s", cfg.StoreTimeout)
	}
	if cfg.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", cfg.TrustedProxyCount)
	}
	if !cfg.RequirePKCE {
		t.Error("RequirePKCE = false, want true on a fresh config")
	}
}

func TestApplySecurityDefaults(t *testing.T) {
	tests := []struct {
		name            string
		config          Config
		wantRequirePKCE bool
	}{
		{
			name:            "fresh config gets PKCE required",
			config:          Config{Issuer: "https://auth.example.com"},
			wantRequirePKCE: true,
		},
		{
			name:            "explicit PKCE requirement kept",
			config:          Config{RequirePKCE: true},
			wantRequirePKCE: true,
		},
		{
			name:            "explicit opt-out kept when another setting is configured",
			config:          Config{AllowPKCEPlain: true},
			wantRequirePKCE: false,
		},
		{
			name:            "proxy trust counts as explicit configuration",
			config:          Config{TrustProxy: true},
			wantRequirePKCE: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyDefaults(&tt.config, slog.Default())
			if cfg.RequirePKCE != tt.wantRequirePKCE {
				t.Errorf("RequirePKCE = %v, want %v", cfg.RequirePKCE, tt.wantRequirePKCE)
			}
		})
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := applyDefaults(&Config{
		Issuer:               "https://auth.example.com",
		AuthorizationCodeTTL: 120,
		AccessTokenTTL:       900,
		SigningTimeout:       time.Second,
	}, slog.Default())

	if cfg.AuthorizationCodeTTL != 120 {
		t.Errorf("AuthorizationCodeTTL = %d, want 120", cfg.AuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != 900 {
		t.Errorf("AccessTokenTTL = %d, want 900", cfg.AccessTokenTTL)
	}
	if cfg.SigningTimeout != time.Second {
		t.Errorf("SigningTimeout = %v, want 1s", cfg.SigningTimeout)
	}
}

func TestConfigTTLHelpers(t *testing.T) {
	cfg := &Config{
		AuthorizationStateTTL: 300,
		AuthorizationCodeTTL:  60,
		AccessTokenTTL:        1800,
		RefreshTokenTTL:       86400,
	}

	if got := cfg.stateTTL(); got != 5*time.Minute {
		t.Errorf("stateTTL() = %v", got)
	}
	if got := cfg.codeTTL(); got != time.Minute {
		t.Errorf("codeTTL() = %v", got)
	}
	if got := cfg.accessTokenTTL(); got != 30*time.Minute {
		t.Errorf("accessTokenTTL() = %v", got)
	}
	if got := cfg.refreshTokenTTL(); got != 24*time.Hour {
		t.Errorf("refreshTokenTTL() = %v", got)
	}
}
