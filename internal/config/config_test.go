package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("ISSUER", "https://auth.example.com")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("SUPPORTED_SCOPES", "read, write ,admin")
	t.Setenv("ACCESS_TOKEN_TTL", "900")
	t.Setenv("REQUIRE_PKCE", "false")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("ENV_FILE_PATH", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.StorageBackend != "memory" {
		t.Errorf("StorageBackend = %q, want memory default", cfg.StorageBackend)
	}
	if !reflect.DeepEqual(cfg.SupportedScopes, []string{"read", "write", "admin"}) {
		t.Errorf("SupportedScopes = %v", cfg.SupportedScopes)
	}
	if cfg.AccessTokenTTL != 900 {
		t.Errorf("AccessTokenTTL = %d", cfg.AccessTokenTTL)
	}
	if cfg.RequirePKCE {
		t.Error("RequirePKCE = true, want false")
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing issuer",
			env:  map[string]string{},
		},
		{
			name: "postgres without database url",
			env: map[string]string{
				"ISSUER":          "https://auth.example.com",
				"STORAGE_BACKEND": "postgres",
			},
		},
		{
			name: "redis without address",
			env: map[string]string{
				"ISSUER":          "https://auth.example.com",
				"STORAGE_BACKEND": "redis",
			},
		},
		{
			name: "unknown backend",
			env: map[string]string{
				"ISSUER":          "https://auth.example.com",
				"STORAGE_BACKEND": "etcd",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV_FILE_PATH", filepath.Join(t.TempDir(), "missing.env"))
			t.Setenv("ISSUER", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	content := "ISSUER=https://dotenv.example.com\nLISTEN_ADDR=:7070\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ENV_FILE_PATH", envFile)
	// godotenv only fills variables absent from the environment, so ISSUER
	// must be truly unset for the file value to apply
	if old, had := os.LookupEnv("ISSUER"); had {
		os.Unsetenv("ISSUER")
		t.Cleanup(func() { os.Setenv("ISSUER", old) })
	}
	// Real environment wins over the .env file
	t.Setenv("LISTEN_ADDR", ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Issuer != "https://dotenv.example.com" {
		t.Errorf("Issuer = %q, want value from .env file", cfg.Issuer)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, environment should take precedence", cfg.ListenAddr)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BOOL_BAD", "yep")
	t.Setenv("TEST_LIST", " a ,, b ,c")
	t.Setenv("TEST_DURATION", "90s")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt = %d", got)
	}
	if got := getEnvInt("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("getEnvInt on garbage = %d, want fallback", got)
	}
	if got := getEnvInt("TEST_UNSET", 7); got != 7 {
		t.Errorf("getEnvInt unset = %d, want fallback", got)
	}

	if !getEnvBool("TEST_BOOL", false) {
		t.Error("getEnvBool = false")
	}
	if !getEnvBool("TEST_BOOL_BAD", true) {
		t.Error("getEnvBool on garbage should return fallback")
	}

	if got := getEnvList("TEST_LIST"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("getEnvList = %v", got)
	}
	if got := getEnvList("TEST_UNSET"); got != nil {
		t.Errorf("getEnvList unset = %v, want nil", got)
	}

	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration = %v", got)
	}
	if got := getEnvDuration("TEST_UNSET", time.Second); got != time.Second {
		t.Errorf("getEnvDuration unset = %v, want fallback", got)
	}
}
