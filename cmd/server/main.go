// Command server runs the authorization server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	aegis "github.com/aegis-dev/aegis"
	echoapi "github.com/aegis-dev/aegis/api/echo"
	"github.com/aegis-dev/aegis/cache"
	cacheredis "github.com/aegis-dev/aegis/cache/redis"
	"github.com/aegis-dev/aegis/client"
	"github.com/aegis-dev/aegis/config"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/internal/flow"
	"github.com/aegis-dev/aegis/internal/metrics"
	applog "github.com/aegis-dev/aegis/log"
	"github.com/aegis-dev/aegis/mongodb"
	"github.com/aegis-dev/aegis/storage"
	"github.com/aegis-dev/aegis/tracing"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "OAuth 2.1 and OpenID Connect authorization server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

//nolint:funlen
func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if err := applog.Setup(cfg.LogLevel, cfg.LogPretty); err != nil {
		return err
	}
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("issuer", cfg.Issuer).
		Str("path_prefix", cfg.PathPrefix).
		Msg("starting aegis server")

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracer provider shutdown error")
		}
	}()

	providerCfg := providerConfig(cfg)

	codec, err := aegis.NewTokenCodec([]byte(cfg.ServerSecret), providerCfg.Issuer)
	if err != nil {
		return err
	}

	// Storage adapter: MongoDB when configured, in-memory otherwise.
	var (
		repo     domain.OAuthRepository
		userRepo domain.UserRepository
	)
	if cfg.MongoURI != "" {
		mongoClient, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return err
		}
		defer mongodb.Close(context.Background(), mongoClient)

		if err := mongodb.EnsureIndexes(ctx, db); err != nil {
			return err
		}
		repo = mongodb.NewOAuthRepository(db)
		userRepo = mongodb.NewUserRepository(db)
	} else {
		log.Warn().Msg("no MONGO_URI configured, using in-memory storage")
		repo = storage.NewMemoryStore()
		userRepo = storage.NewMemoryUserStore()
	}

	// Token cache: Redis when configured, in-process ttlcache otherwise.
	var tokenCache cache.TokenStore
	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis client")
			}
		}()
		tokenCache = cacheredis.NewTokenStore(redisClient, "aegis")
	} else {
		memCache := cache.NewMemoryTokenStore(providerCfg.AccessTokenTTL)
		defer func() { _ = memCache.Close() }()
		tokenCache = memCache
	}

	registry := client.NewRegistry(repo, tokenCache, providerCfg.AllowedScopes, 0)
	flows := flow.NewStore()
	continuations := flow.NewContinuationSigner([]byte(cfg.ServerSecret), providerCfg.ContinuationTTL)
	hooks := aegis.NewHookRunner(aegis.Hooks{})
	users := aegis.DirectoryFromRepository(userRepo)
	identity := aegis.NewCookieIdentityProvider(codec, users, time.Duration(cfg.SessionTTLHour)*time.Hour)

	authz := aegis.NewAuthorizationService(repo, registry, codec, identity, hooks, flows, continuations, providerCfg)
	tokens := aegis.NewTokenService(repo, registry, codec, tokenCache, providerCfg)
	introspect := aegis.NewIntrospectionService(repo, registry, codec, tokenCache)
	sessions := aegis.NewSessionService(repo, codec, tokenCache, users, hooks)

	metrics.Register(prometheus.DefaultRegisterer)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	api := echoapi.NewOAuth2API(authz, tokens, introspect, sessions, registry, identity, providerCfg)
	api.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go maintenanceLoop(ctx, repo, flows)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			// Propagate fatal startup failures (port in use etc).
			p, _ := os.FindProcess(os.Getpid())
			_ = p.Signal(syscall.SIGTERM)
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("server stopped")

	return nil
}

// maintenanceLoop periodically drops expired flows and authorization codes.
// Token expiry is enforced at verification time (and by Mongo TTL indexes).
func maintenanceLoop(ctx context.Context, repo domain.OAuthRepository, flows *flow.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flows.CleanupExpired()
			if err := repo.DeleteExpiredAuthCodes(ctx, time.Now()); err != nil {
				log.Warn().Err(err).Msg("failed to delete expired authorization codes")
			}
		}
	}
}

// providerConfig maps the flat server configuration onto the protocol
// configuration.
func providerConfig(cfg *config.ServerConfig) *aegis.ProviderConfig {
	pc := aegis.NewDefaultProviderConfig(cfg.Issuer)
	pc.PathPrefix = cfg.PathPrefix
	pc.EnableAlias = cfg.EnableAlias
	pc.AccessTokenTTL = time.Duration(cfg.AccessTokenTTLMin) * time.Minute
	pc.RefreshTokenTTL = time.Duration(cfg.RefreshTokenTTLHour) * time.Hour
	pc.AuthCodeTTL = time.Duration(cfg.AuthCodeTTLMin) * time.Minute
	pc.AccessTokenFormat = aegis.TokenFormatOption(cfg.AccessTokenFormat)
	if len(cfg.AllowedScopes) > 0 {
		pc.AllowedScopes = cfg.AllowedScopes
	}
	if len(cfg.DefaultScopes) > 0 {
		pc.DefaultScopes = cfg.DefaultScopes
	}
	pc.Resource = cfg.Resource
	pc.LoginURL = cfg.LoginURL
	pc.ConsentURL = cfg.ConsentURL

	return pc
}
