// Command oauth-server runs the OAuth 2.0 authorization server.
//
// The binary expects user authentication to happen in front of it: an
// authenticating reverse proxy injects the X-User-ID (and optionally
// X-Tenant-ID) headers on /oauth2/authorize requests. Requests without the
// header are redirected to LOGIN_URL.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	oauth "github.com/openfit/oauth-server"
	"github.com/openfit/oauth-server/instrumentation"
	"github.com/openfit/oauth-server/internal/config"
	"github.com/openfit/oauth-server/security"
	"github.com/openfit/oauth-server/server"
	"github.com/openfit/oauth-server/signing"
	"github.com/openfit/oauth-server/storage"
	"github.com/openfit/oauth-server/storage/memory"
	"github.com/openfit/oauth-server/storage/postgres"
	"github.com/openfit/oauth-server/storage/redis"
)

// version is stamped by the build.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientStore, flowStore, tokenStore, closeStore, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	signer, err := buildSigner(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(clientStore, flowStore, tokenStore, signer, &server.Config{
		Issuer:                 cfg.Issuer,
		AuthorizationStateTTL:  cfg.AuthorizationStateTTL,
		AuthorizationCodeTTL:   cfg.AuthorizationCodeTTL,
		AccessTokenTTL:         cfg.AccessTokenTTL,
		RefreshTokenTTL:        cfg.RefreshTokenTTL,
		RequirePKCE:            cfg.RequirePKCE,
		AllowPKCEPlain:         cfg.AllowPKCEPlain,
		SupportedScopes:        cfg.SupportedScopes,
		AllowedRedirectSchemes: cfg.AllowedRedirectSchemes,
		TrustProxy:             cfg.TrustProxy,
		TrustedProxyCount:      cfg.TrustedProxyCount,
	}, logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))

	limits, err := config.LoadRateLimits(cfg.RateLimitsPath)
	if err != nil {
		return err
	}
	limiter := security.NewEndpointLimiter(limits, logger)
	defer limiter.Stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-server",
		ServiceVersion: version,
		Enabled:        true,
	})
	if err != nil {
		return err
	}
	defer inst.Shutdown(context.Background())

	handler, err := oauth.NewHandler(srv, &headerAuthenticator{trusted: cfg.TrustProxy}, logger)
	if err != nil {
		return err
	}
	handler.SetRateLimiter(limiter)
	handler.SetMetrics(inst.Metrics())
	handler.SetLoginURL(cfg.LoginURL)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("OAuth server listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"backend", cfg.StorageBackend,
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildStores selects the storage backend and returns the three interfaces
// plus a close function.
func buildStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (
	storage.ClientStore, storage.FlowStore, storage.TokenStore, func(), error,
) {
	switch cfg.StorageBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}

		store := postgres.New(db)
		store.SetLogger(logger)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}

		// Sweep expired records off the request path
		sweepCtx, cancelSweep := context.WithCancel(context.Background())
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if err := store.Cleanup(sweepCtx); err != nil {
						logger.Warn("Storage cleanup failed", "error", err)
					}
				}
			}
		}()

		return store, store, store, func() {
			cancelSweep()
			db.Close()
		}, nil

	case "redis":
		store, err := redis.New(redis.Config{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store, store, store, func() { store.Close() }, nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		return store, store, store, store.Stop, nil
	}
}

// buildSigner loads the RSA signing key, or generates an ephemeral one when
// no key path is configured.
func buildSigner(cfg *config.Config, logger *slog.Logger) (signing.Signer, error) {
	if cfg.SigningKeyPath != "" {
		return signing.NewRS256SignerFromFile(cfg.Issuer, cfg.SigningKeyPath)
	}

	logger.Warn("No SIGNING_KEY_PATH configured; using an ephemeral key, tokens will not survive restarts")
	return signing.NewRS256Signer(cfg.Issuer)
}

// headerAuthenticator reads the user identity injected by an authenticating
// reverse proxy. It only trusts the headers when proxy trust is enabled.
type headerAuthenticator struct {
	trusted bool
}

func (a *headerAuthenticator) Authenticate(r *http.Request) (*oauth.UserInfo, error) {
	if !a.trusted {
		return nil, oauth.ErrNotAuthenticated
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return nil, oauth.ErrNotAuthenticated
	}
	return &oauth.UserInfo{
		UserID:   userID,
		TenantID: r.Header.Get("X-Tenant-ID"),
	}, nil
}
