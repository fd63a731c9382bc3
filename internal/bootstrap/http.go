package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/adapters/oidc"
	httpx "github.com/target/listingsync/internal/http"
)

// HTTPServerConfig contains configuration for the admin HTTP server.
type HTTPServerConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// ErrCh receives a listener failure after startup. Optional.
	ErrCh chan<- error
}

// StartHTTPServer binds the admin API and serves it in the background.
// Binding happens before it returns, so a taken port fails startup.
func StartHTTPServer(ctx context.Context, cfg *HTTPServerConfig) (*http.Server, error) {
	if cfg == nil || cfg.Config == nil {
		return nil, errors.New("http server config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler, err := BuildHTTPHandler(ctx, cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.Config.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Config.HTTP.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	go func() {
		logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", serveErr)
			if cfg.ErrCh != nil {
				select {
				case cfg.ErrCh <- fmt.Errorf("http server: %w", serveErr):
				default:
				}
			}
		}
	}()
	return server, nil
}

// BuildHTTPHandler assembles the admin router, including bearer verification
// when an issuer is configured.
func BuildHTTPHandler(ctx context.Context, cfg *HTTPServerConfig) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var verifier httpx.TokenVerifier
	if auth := cfg.Config.Auth; auth.Enabled() {
		v, err := oidc.NewVerifier(ctx, oidc.Config{
			IssuerURL:  auth.IssuerURL,
			Audience:   auth.Audience,
			AdminGroup: auth.AdminGroup,
		})
		if err != nil {
			return nil, fmt.Errorf("oidc verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("admin API authentication disabled; set AUTH_ISSUER_URL to enable it")
	}

	checks := map[string]httpx.HealthCheck{}
	if cfg.DB != nil {
		checks["postgres"] = cfg.DB.PingContext
	}
	if cfg.RedisClient != nil {
		client := cfg.RedisClient
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	services := httpx.RouterServices{
		Jobs:     cfg.Services.Jobs,
		Passes:   cfg.Services.Reconcile,
		Listings: cfg.Services.Listings,
		Health:   &httpx.HealthHandler{Checks: checks, Logger: logger},
		Logger:   logger,
	}
	if verifier != nil {
		services.Verifier = verifier
	}
	return httpx.NewRouter(services), nil
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Server  *http.Server
	Timeout time.Duration
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("shutting down HTTP server")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := cfg.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
