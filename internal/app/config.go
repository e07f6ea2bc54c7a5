package app

import (
	"strings"
	"time"

	"doc-prescrip/internal/auth"
	"doc-prescrip/internal/db"
	"doc-prescrip/internal/federated"
	"doc-prescrip/internal/ratelimit"
	"doc-prescrip/internal/token"
)

type Config struct {
	Env  string
	Port string

	DatabaseURL string
	DB          db.PoolOptions
	RedisURL    string
	RedisToken  string

	Token  token.Config
	Google federated.GoogleConfig

	SitePIN               string
	RegistrationAccessKey string
	RequireEmailOTP       bool

	ResendAPIKey string
	MailFrom     string
	SentryDSN    string
	CronSecret   string

	Policies            auth.Policies
	PINPolicy           ratelimit.Policy
	PINRateLimitMax     int
	AuthRateLimitMax    int
	AuthRateLimitWindow time.Duration

	SecurityEventRetention     time.Duration
	IncompleteAccountRetention time.Duration
	CleanupBatchSize           int
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadConfig reads the process environment. Only the three connection
// settings are required; everything else has a default.
func LoadConfig() (Config, error) {
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	redisURL, err := mustEnv("REDIS_URL")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Env:         envOrDefault("APP_ENV", "development"),
		Port:        envOrDefault("PORT", "8080"),
		DatabaseURL: databaseURL,
		DB: db.PoolOptions{
			MaxConns:        int32(envIntOrDefault("DB_MAX_OPEN_CONNS", 10)),
			MinConns:        int32(envIntOrDefault("DB_MIN_CONNS", 1)),
			MaxConnLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			MaxConnIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},
		RedisURL:   redisURL,
		RedisToken: envOrDefault("REDIS_TOKEN", ""),
		Token: token.Config{
			Secret:     jwtSecret,
			Issuer:     envOrDefault("JWT_ISSUER", "doc-prescrip"),
			Audience:   envOrDefault("JWT_AUDIENCE", "doc-prescrip-app"),
			AccessTTL:  envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
			RefreshTTL: envDaysOrDefault("REFRESH_TOKEN_TTL_DAYS", 30),
			PinTTL:     envMinutesOrDefault("PIN_TOKEN_TTL_MINUTES", 24*60),
		},
		Google: federated.GoogleConfig{
			ClientID:     envOrDefault("GOOGLE_CLIENT_ID", ""),
			ClientSecret: envOrDefault("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  envOrDefault("GOOGLE_REDIRECT_URI", ""),
		},
		SitePIN:               envOrDefault("SITE_PIN", ""),
		RegistrationAccessKey: envOrDefault("REGISTRATION_ACCESS_KEY", ""),
		RequireEmailOTP:       EnvBoolOrDefault("REQUIRE_EMAIL_OTP", false),
		ResendAPIKey:          envOrDefault("RESEND_API_KEY", ""),
		MailFrom:              envOrDefault("MAIL_FROM", "Doc Prescrip <no-reply@docprescrip.app>"),
		SentryDSN:             envOrDefault("SENTRY_DSN", ""),
		CronSecret:            envOrDefault("CRON_SECRET", ""),
		Policies: auth.Policies{
			Login:          policyFromEnv("LOGIN", ratelimit.LoginPolicy()),
			Registration:   policyFromEnv("REGISTER", ratelimit.RegistrationPolicy()),
			ForgotPassword: policyFromEnv("FORGOT_PASSWORD", ratelimit.ForgotPasswordPolicy()),
			OTP:            policyFromEnv("OTP", ratelimit.OTPPolicy()),
		},
		PINPolicy:                  policyFromEnv("PIN", ratelimit.PINPolicy()),
		PINRateLimitMax:            envIntOrDefault("PIN_RATE_LIMIT_MAX", 10),
		AuthRateLimitMax:           envIntOrDefault("AUTH_RATE_LIMIT_MAX", 30),
		AuthRateLimitWindow:        envSecondsOrDefault("AUTH_RATE_LIMIT_WINDOW_SECONDS", 60),
		SecurityEventRetention:     envDaysOrDefault("SECURITY_EVENT_RETENTION_DAYS", 7),
		IncompleteAccountRetention: envDaysOrDefault("INCOMPLETE_ACCOUNT_RETENTION_DAYS", 7),
		CleanupBatchSize:           envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	}

	if maxLock := envMinutesOrDefault("PIN_MAX_LOCK_MINUTES", 0); maxLock > 0 && cfg.PINPolicy.Progression != nil {
		progression := *cfg.PINPolicy.Progression
		progression.MaxLockout = maxLock
		cfg.PINPolicy.Progression = &progression
	}

	return cfg, nil
}

func policyFromEnv(prefix string, base ratelimit.Policy) ratelimit.Policy {
	return base.WithOverrides(
		envIntOrDefault(prefix+"_MAX_ATTEMPTS", 0),
		envMinutesOrDefault(prefix+"_WINDOW_MINUTES", 0),
		envMinutesOrDefault(prefix+"_LOCK_MINUTES", 0),
	)
}
