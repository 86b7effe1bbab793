// Package config loads the server configuration from the environment, with
// optional .env files for local development and an optional YAML file for
// per-endpoint rate limits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the oauth-server binary needs to start.
type Config struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string

	// Issuer is the externally visible base URL of this server
	Issuer string

	// LoginURL receives unauthenticated authorization requests
	LoginURL string

	// StorageBackend selects the store: "memory", "postgres", or "redis"
	StorageBackend string

	// DatabaseURL is the PostgreSQL connection string (postgres backend)
	DatabaseURL string

	// Redis connection settings (redis backend)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SigningKeyPath points to a PEM-encoded RSA private key. When empty an
	// ephemeral key is generated at startup; tokens do not survive restarts.
	SigningKeyPath string

	// Token and flow lifetimes in seconds; zero means the server defaults
	AuthorizationStateTTL int64
	AuthorizationCodeTTL  int64
	AccessTokenTTL        int64
	RefreshTokenTTL       int64

	// PKCE policy
	RequirePKCE    bool
	AllowPKCEPlain bool

	// SupportedScopes limits the scopes clients may request; empty allows all
	SupportedScopes []string

	// AllowedRedirectSchemes lists extra custom schemes for native clients
	AllowedRedirectSchemes []string

	// Proxy trust for client IP extraction
	TrustProxy        bool
	TrustedProxyCount int

	// AuditEnabled turns on the security audit log
	AuditEnabled bool

	// RateLimitsPath points to the optional YAML rate limit file
	RateLimitsPath string

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory (or at ENV_FILE_PATH) is loaded first when present; real
// environment variables take precedence over it.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		ListenAddr:             getEnv("LISTEN_ADDR", ":8080"),
		Issuer:                 os.Getenv("ISSUER"),
		LoginURL:               os.Getenv("LOGIN_URL"),
		StorageBackend:         getEnv("STORAGE_BACKEND", "memory"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		SigningKeyPath:         os.Getenv("SIGNING_KEY_PATH"),
		AuthorizationStateTTL:  getEnvInt64("AUTHORIZATION_STATE_TTL", 0),
		AuthorizationCodeTTL:   getEnvInt64("AUTHORIZATION_CODE_TTL", 0),
		AccessTokenTTL:         getEnvInt64("ACCESS_TOKEN_TTL", 0),
		RefreshTokenTTL:        getEnvInt64("REFRESH_TOKEN_TTL", 0),
		RequirePKCE:            getEnvBool("REQUIRE_PKCE", true),
		AllowPKCEPlain:         getEnvBool("ALLOW_PKCE_PLAIN", false),
		SupportedScopes:        getEnvList("SUPPORTED_SCOPES"),
		AllowedRedirectSchemes: getEnvList("ALLOWED_REDIRECT_SCHEMES"),
		TrustProxy:             getEnvBool("TRUST_PROXY", false),
		TrustedProxyCount:      getEnvInt("TRUSTED_PROXY_COUNT", 1),
		AuditEnabled:           getEnvBool("AUDIT_ENABLED", true),
		RateLimitsPath:         os.Getenv("RATE_LIMITS_PATH"),
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if cfg.Issuer == "" {
		return nil, fmt.Errorf("ISSUER is required")
	}

	switch cfg.StorageBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	return cfg, nil
}

func loadDotEnv() {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile != "" {
		_ = godotenv.Load(envFile)
		return
	}
	_ = godotenv.Load()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
