// Command authbridge runs the OAuth 2.1 authorization server and the MCP
// tool dispatcher behind a single HTTP listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/privybridge/authbridge/internal/logger"
	"github.com/privybridge/authbridge/pkg/config"
	"github.com/privybridge/authbridge/pkg/crypto"
	"github.com/privybridge/authbridge/pkg/dispatcher"
	"github.com/privybridge/authbridge/pkg/oauthserver"
	"github.com/privybridge/authbridge/pkg/orchestrator"
	"github.com/privybridge/authbridge/pkg/store"
	"github.com/privybridge/authbridge/pkg/store/sqlstore"
	"github.com/privybridge/authbridge/pkg/upstream"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		logger.Errorf("authbridge exited with error: %v", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Configure(parseLevel(cfg.LogLevel), cfg.LogJSON)

	signingKey, err := cfg.SigningKey()
	if err != nil {
		return fmt.Errorf("parsing signing key: %w", err)
	}
	keypair, err := crypto.NewKeypair(cfg.SigningKeyID, signingKey)
	if err != nil {
		return fmt.Errorf("constructing keypair: %w", err)
	}

	repos, closeRepos, err := openRepositories(cfg)
	if err != nil {
		return fmt.Errorf("opening repositories: %w", err)
	}
	defer closeRepos()

	identityVerifier, err := buildIdentityVerifier(cfg)
	if err != nil {
		return fmt.Errorf("constructing upstream identity verifier: %w", err)
	}

	authServer := oauthserver.New(oauthserver.Config{
		IssuerURL:            cfg.IssuerURL,
		AccessTokenTTL:       cfg.AccessTokenTTL,
		RefreshTokenTTL:      cfg.RefreshTokenTTL,
		AuthorizationCodeTTL: cfg.AuthorizationCodeTTL,
		SupportedScopes:      cfg.SupportedScopes,
		DefaultScopes:        cfg.DefaultScopes,
		AllowedRedirectURIs:  cfg.AllowedRedirectURIs,
		DeveloperMode:        cfg.DeveloperMode,
	}, keypair, repos, identityVerifier)

	resourceMetadataURL := cfg.IssuerURL + "/.well-known/oauth-protected-resource"

	upstreamClient := upstream.New(upstream.Config{
		APIURL:               cfg.UpstreamAPIURL,
		APITimeout:           cfg.UpstreamAPITimeout,
		TokenExchangeTimeout: cfg.UpstreamTokenExchangeTimeout,
		ExchangeURL:          cfg.IssuerURL + "/token/privy/access-token",
	})

	orch := orchestrator.New(
		upstreamClient,
		orchestrator.PollParams{
			MaxAttempts:     cfg.MaxAttempts,
			BaseDelayMs:     cfg.BaseDelayMs,
			DelayStepMs:     cfg.DelayStepMs,
			StableThreshold: cfg.StableThreshold,
			MaxTotalWaitMs:  cfg.MaxTotalWaitMs,
		},
		orchestrator.PoolParams{
			DefaultConcurrency: cfg.DefaultConcurrency,
			MaxConcurrency:     cfg.MaxConcurrency,
			ThrottleMs:         cfg.ThrottleMs,
		},
		cfg.InstructionCharLimit,
		cfg.PaginationLimit,
	)

	disp := dispatcher.New(authServer, repos, orch, resourceMetadataURL)

	sweeper := store.NewSweeper(repos, cfg.CleanupInterval)
	sweeper.Start()
	defer sweeper.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg.ListenAddr, authServer, disp)
}

// serve mounts the authorization server and the MCP dispatcher on one chi
// router and runs the HTTP server until ctx is done, then shuts it down
// gracefully.
func serve(ctx context.Context, address string, authServer *oauthserver.Server, disp *dispatcher.Dispatcher) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Timeout(readHeaderTimeout*6))

	r.Mount("/", authServer.Router())
	r.Mount("/mcp", disp.Handler())

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("starting http server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

// openRepositories constructs the Repositories bundle for cfg's storage
// driver and a close function releasing any resources it holds.
func openRepositories(cfg *config.Config) (*store.Repositories, func(), error) {
	if cfg.StorageDriver == config.StorageDriverDurable {
		s, err := sqlstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s.Repositories(), func() {
			if err := s.Close(); err != nil {
				logger.Errorf("closing durable store: %v", err)
			}
		}, nil
	}
	return store.NewMemoryRepositories(), func() {}, nil
}

// buildIdentityVerifier constructs the upstream OIDC identity verifier. If
// the upstream identity issuer isn't configured, the server starts without
// one; consent completion then always fails identity verification, which is
// appropriate for a deployment that hasn't finished configuration yet.
func buildIdentityVerifier(cfg *config.Config) (oauthserver.UpstreamIdentityVerifier, error) {
	if cfg.UpstreamIdentityIssuerURL == "" || cfg.UpstreamIdentityClientID == "" {
		logger.Warn("upstream identity issuer/client ID not configured; consent completion will reject every identity token")
		return nil, nil
	}
	return upstream.NewIdentityVerifier(context.Background(), upstream.IdentityVerifierConfig{
		IssuerURL: cfg.UpstreamIdentityIssuerURL,
		ClientID:  cfg.UpstreamIdentityClientID,
	})
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
