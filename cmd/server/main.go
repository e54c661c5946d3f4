package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/veridian-auth/veridian/internal/api"
	"github.com/veridian-auth/veridian/internal/auth"
	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/jwks"
	"github.com/veridian-auth/veridian/internal/repository"
	"github.com/veridian-auth/veridian/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	publicURL string

	dbDriver string
	dbDSN    string

	// encKeys is "id1:base64key,id2:base64key"; encKeyActive names the key
	// used for new encryptions.
	encKeys      string
	encKeyActive string

	redisAddr     string
	redisPassword string
	redisReplicas int

	sessionLifetime time.Duration
	sessionIdle     time.Duration
	callbackTimeout time.Duration

	logLevel      string
	secureCookies bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "veridian-server",
		Short: "Veridian — OpenID Connect identity provider",
		Long: `Veridian is an OpenID Connect / OAuth2 identity provider. It issues
tokens, authenticates end users with password and optional WebAuthn MFA,
and federates logins through upstream OIDC providers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("VERIDIAN_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.publicURL, "public-url", envOrDefault("VERIDIAN_PUBLIC_URL", "http://localhost:8080"), "Public base URL of this server")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("VERIDIAN_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("VERIDIAN_DB_DSN", "./veridian.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.encKeys, "enc-keys", envOrDefault("VERIDIAN_ENC_KEYS", ""), "Master encryption keys as id:base64(32 bytes), comma-separated (required)")
	root.PersistentFlags().StringVar(&cfg.encKeyActive, "enc-key-active", envOrDefault("VERIDIAN_ENC_KEY_ACTIVE", ""), "Id of the master key used for new encryptions (required)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "cache-addr", envOrDefault("VERIDIAN_CACHE_ADDR", ""), "Redis address for the replicated cache (empty = in-process cache)")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "cache-password", envOrDefault("VERIDIAN_CACHE_PASSWORD", ""), "Redis password")
	root.PersistentFlags().IntVar(&cfg.redisReplicas, "cache-replicas", envIntOrDefault("VERIDIAN_CACHE_REPLICAS", 0), "Number of cache replicas for quorum writes")
	root.PersistentFlags().DurationVar(&cfg.sessionLifetime, "session-lifetime", envDurationOrDefault("VERIDIAN_SESSION_LIFETIME", 14*time.Hour), "Absolute session lifetime")
	root.PersistentFlags().DurationVar(&cfg.sessionIdle, "session-idle-timeout", envDurationOrDefault("VERIDIAN_SESSION_IDLE_TIMEOUT", 2*time.Hour), "Session idle timeout")
	root.PersistentFlags().DurationVar(&cfg.callbackTimeout, "callback-timeout", envDurationOrDefault("VERIDIAN_CALLBACK_TIMEOUT", 5*time.Minute), "Upstream callback timeout")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("VERIDIAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("VERIDIAN_SECURE_COOKIES", "true") == "true", "Set the Secure flag on cookies (disable only for local development)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("veridian-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting veridian server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Master keys ---
	// The key ring must exist before the database opens so EncryptedString
	// fields can encrypt/decrypt transparently.
	keyRing, err := parseEncKeys(cfg.encKeys, cfg.encKeyActive)
	if err != nil {
		return err
	}
	if err := db.InitEncryption(keyRing); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Cache ---
	cacheTTLs := map[string]time.Duration{
		cache.NameSession:       cfg.sessionLifetime,
		cache.NameAuthCode:      10 * time.Minute,
		cache.NameAuthProvider:  12 * time.Hour,
		cache.NameCallback:      cfg.callbackTimeout,
		cache.NameJwk:           12 * time.Hour,
		cache.NameWebauthnLogin: 2 * time.Minute,
		cache.NameClient:        12 * time.Hour,
	}
	var cacheBackend cache.Cache
	if cfg.redisAddr != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.redisAddr, cfg.redisPassword, cfg.redisReplicas, cacheTTLs, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to cache: %w", err)
		}
		defer redisCache.Close()
		cacheBackend = redisCache
	} else {
		memCache := cache.NewMemory(cacheTTLs)
		defer memCache.Close()
		cacheBackend = memCache
	}

	// --- 4. Repositories ---
	userRepo := repository.NewUserRepository(gormDB)
	sessionRepo := repository.NewSessionRepository(gormDB)
	clientRepo := repository.NewClientRepository(gormDB)
	providerRepo := repository.NewAuthProviderRepository(gormDB)
	jwkRepo := repository.NewJwkRepository(gormDB)
	refreshRepo := repository.NewRefreshTokenRepository(gormDB)
	apiKeyRepo := repository.NewApiKeyRepository(gormDB)

	// --- 5. JWKs ---
	issuer := strings.TrimSuffix(cfg.publicURL, "/") + "/auth/v1"
	jwkStore := jwks.NewStore(jwkRepo, cacheBackend, keyRing, issuer, logger)
	if err := jwkStore.EnsureKeys(ctx); err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	// --- 6. Auth service ---
	authService := auth.NewService(auth.Config{
		Issuer:             issuer,
		SessionLifetime:    cfg.sessionLifetime,
		SessionIdleTimeout: cfg.sessionIdle,
		CallbackTimeout:    cfg.callbackTimeout,
		SecureCookies:      cfg.secureCookies,
	}, auth.Deps{
		Users:     userRepo,
		Sessions:  sessionRepo,
		Clients:   clientRepo,
		Providers: providerRepo,
		Refresh:   refreshRepo,
		ApiKeys:   apiKeyRepo,
		Cache:     cacheBackend,
		Keys:      keyRing,
		Jwks:      jwkStore,
		Logger:    logger,
	})

	// --- 7. Cleanup scheduler ---
	sched, err := scheduler.New(sessionRepo, refreshRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down veridian server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("veridian server stopped")
	return nil
}

// parseEncKeys builds the master key ring from "id:base64key,..." and the
// active key id.
func parseEncKeys(spec, activeID string) (*cryptoutil.KeyRing, error) {
	if spec == "" || activeID == "" {
		return nil, fmt.Errorf("master keys are required — set --enc-keys and --enc-key-active")
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		id, encoded, found := strings.Cut(strings.TrimSpace(entry), ":")
		if !found || id == "" {
			return nil, fmt.Errorf("invalid enc-keys entry %q, expected id:base64key", entry)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding master key %q: %w", id, err)
		}
		keys[id] = raw
	}

	return cryptoutil.NewKeyRing(keys, activeID)
}

// gormLogLevel maps the application log level to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return defaultVal
}
