// Package app wires configuration, stores and handlers into one http.Handler
// shared by the serverless entry point and the long-running server.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"doc-prescrip/internal/account"
	"doc-prescrip/internal/auth"
	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/db"
	"doc-prescrip/internal/federated"
	"doc-prescrip/internal/mail"
	"doc-prescrip/internal/maintenance"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/pin"
	"doc-prescrip/internal/ratelimit"
	"doc-prescrip/internal/secevent"
	"doc-prescrip/internal/session"
	"doc-prescrip/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  Config
	Close   func() error
}

// infra is everything Build opens against the outside world. compose only
// sees these, so tests can hand it miniredis and an in-memory store.
type infra struct {
	accounts account.Store
	stale    maintenance.StaleAccounts
	redis    redis.UniversalClient
	pingDB   func(ctx context.Context) error
	logger   *observability.Logger
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	redisClient, err := openRedis(cfg.RedisURL, cfg.RedisToken)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open redis: %w", err)
	}
	// An unreachable Redis at startup is not fatal: limiters fail open and
	// token refresh fails closed until it comes back.
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("redis_ping_failed", map[string]any{"error": err.Error()})
	}

	accounts := account.NewPostgres(pool)
	handler, err := compose(cfg, infra{
		accounts: accounts,
		stale:    accounts,
		redis:    redisClient,
		pingDB:   pool.Ping,
		logger:   logger,
	})
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Close: func() error {
			observability.FlushSentry()
			logger.Sync()
			pool.Close()
			return redisClient.Close()
		},
	}, nil
}

// openRedis accepts redis:// and rediss:// URLs. A separate token replaces
// the URL password, which is how hosted Redis providers hand out credentials.
func openRedis(redisURL, redisToken string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if redisToken != "" {
		opts.Password = redisToken
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	return redis.NewClient(opts), nil
}

func compose(cfg Config, in infra) (http.Handler, error) {
	logger := in.logger
	rdb := in.redis

	events := secevent.NewRecorder(rdb, logger).WithRetention(cfg.SecurityEventRetention, 0)
	limiter := ratelimit.New(rdb, events)
	jar := cookies.Jar{Secure: cfg.Production()}

	issuer, err := token.NewIssuer(cfg.Token, rdb)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	var mailer mail.Sender = mail.NewLogSender(logger)
	if cfg.ResendAPIKey != "" {
		resend, err := mail.NewResend(cfg.ResendAPIKey, cfg.MailFrom)
		if err != nil {
			return nil, fmt.Errorf("init mailer: %w", err)
		}
		mailer = resend
	} else {
		logger.Warn("mailer_log_only", map[string]any{"reason": "RESEND_API_KEY not set"})
	}

	sessions := federated.NewSessionStore(rdb, federated.DefaultSessionTTL)

	authService := auth.NewService(auth.Deps{
		Accounts: in.accounts,
		Tokens:   issuer,
		Limiter:  limiter,
		OTP:      auth.NewOTPStore(rdb),
		Sessions: sessions,
		Mailer:   mailer,
		Events:   events,
		Logger:   logger,
	}, auth.Config{
		RegistrationAccessKey: cfg.RegistrationAccessKey,
		RequireEmailOTP:       cfg.RequireEmailOTP,
		Policies:              cfg.Policies,
	})
	authHandler := auth.NewHandler(authService, jar, logger)

	pinBurst := ratelimit.NewSlidingWindow(rdb, events, "pin:burst", cfg.PINRateLimitMax, time.Minute)
	gate := pin.NewGate(cfg.SitePIN, pinBurst, limiter, cfg.PINPolicy, events)
	if !gate.Enabled() {
		logger.Warn("site_pin_disabled", map[string]any{"reason": "SITE_PIN not set"})
	}
	pinHandler := pin.NewHandler(gate, issuer, jar, logger)

	authBurst := ratelimit.NewSlidingWindow(rdb, events, "auth:burst", cfg.AuthRateLimitMax, cfg.AuthRateLimitWindow)
	burst := func(h http.HandlerFunc) http.Handler { return authBurst.Middleware(h) }

	cleanupHandler := maintenance.NewCleanupHandler(
		in.stale,
		logger,
		cfg.CronSecret,
		cfg.IncompleteAccountRetention,
		cfg.CleanupBatchSize,
	)
	eventsHandler := maintenance.NewEventsHandler(events, logger, cfg.CronSecret)

	mux := http.NewServeMux()
	mux.Handle("POST /api/login", burst(authHandler.Login))
	mux.Handle("POST /api/register", pinHandler.Require(burst(authHandler.Register)))
	mux.Handle("POST /api/forgot-password", burst(authHandler.ForgotPassword))
	mux.Handle("POST /api/send-otp", burst(authHandler.SendOTP))
	mux.Handle("POST /api/verify-otp", burst(authHandler.VerifyOTP))
	mux.Handle("POST /api/refresh", burst(authHandler.Refresh))
	mux.HandleFunc("POST /api/logout", authHandler.Logout)
	mux.HandleFunc("POST /api/verify-pin", pinHandler.Verify)
	mux.HandleFunc("GET /api/pin-status", pinHandler.Status)
	mux.HandleFunc("GET /api/me", authHandler.Me)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /internal/security/events", eventsHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(in.pingDB, rdb))

	if cfg.Google.Enabled() {
		google := federated.NewHandler(federated.NewGoogleProvider(cfg.Google), sessions, in.accounts, events, logger, jar)
		mux.HandleFunc("GET /api/auth/google", google.Start)
		mux.HandleFunc("GET /api/auth/google/callback", google.Callback)
	}

	resolver := session.NewResolver(
		session.NewFederatedStrategy(sessions, logger),
		session.NewBearerTokenStrategy(issuer),
	)
	guarded := session.NewMiddleware(resolver, session.DefaultRoutes()).Wrap(mux)

	return observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, guarded)), nil
}

func healthHandler(pingDB func(ctx context.Context) error, rdb redis.UniversalClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := http.StatusOK
		if err := pingDB(ctx); err != nil {
			checks["database"] = "down"
			status = http.StatusServiceUnavailable
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			status = http.StatusServiceUnavailable
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": overall,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
