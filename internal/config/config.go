// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// JWTSecret verifies identity-provider access tokens.
	JWTSecret string
	// JWTAudience, when set, must appear in the token aud claim.
	JWTAudience string
	// RoleClaim is an optional top-level claim carrying the user role.
	RoleClaim string

	// EntitlementSigningKey signs the read-only entitlement projection.
	// Defaults to JWTSecret.
	EntitlementSigningKey string
	EntitlementTokenTTL   time.Duration

	// Stripe settings. An empty secret key leaves checkout unconfigured.
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string

	// AppBaseURL is the front-end origin used for return URLs.
	AppBaseURL string
	Currency   string

	// RedisURL enables the entitlement read cache when set.
	RedisURL       string
	EntitlementTTL time.Duration

	CORSAllowedOrigins []string
	LogLevel           string
	WorkerConcurrency  int
}

const (
	defaultServerAddress = ":18111"
	envServerAddress     = "BACKEND_ADDR"
	envDatabaseURL       = "DATABASE_URL"
	envJWTSecret         = "SUPABASE_JWT_SECRET"
	envJWTAudience       = "SUPABASE_JWT_AUDIENCE"
	envRoleClaim         = "ROLE_CLAIM"
	envSigningKey        = "ENTITLEMENT_SIGNING_KEY"
	envTokenTTL          = "ENTITLEMENT_TOKEN_TTL"
	envStripeSecretKey   = "STRIPE_SECRET_KEY"
	envStripeWebhook     = "STRIPE_WEBHOOK_SECRET"
	envStripeAPIURL      = "STRIPE_API_URL"
	envAppBaseURL        = "APP_BASE_URL"
	envCurrency          = "CURRENCY"
	envRedisURL          = "REDIS_URL"
	envEntitlementTTL    = "ENTITLEMENT_CACHE_TTL"
	envCORSOrigins       = "CORS_ALLOWED_ORIGINS"
	envLogLevel          = "LOG_LEVEL"
	envWorkerConcurrency = "WORKER_CONCURRENCY"
)

var allKeys = []string{
	envServerAddress, envDatabaseURL, envJWTSecret, envJWTAudience, envRoleClaim,
	envSigningKey, envTokenTTL, envStripeSecretKey, envStripeWebhook, envStripeAPIURL,
	envAppBaseURL, envCurrency, envRedisURL, envEntitlementTTL, envCORSOrigins,
	envLogLevel, envWorkerConcurrency,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(envServerAddress, defaultServerAddress)
	v.SetDefault(envTokenTTL, 15*time.Minute)
	v.SetDefault(envAppBaseURL, "http://localhost:3000")
	v.SetDefault(envCurrency, "gbp")
	v.SetDefault(envEntitlementTTL, 5*time.Minute)
	v.SetDefault(envCORSOrigins, "http://localhost:3000")
	v.SetDefault(envLogLevel, "info")
	v.SetDefault(envWorkerConcurrency, 2)
}

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	return load(true)
}

// LoadForTooling is Load without the identity settings, for the CLI tools
// that only talk to the database and the processor.
func LoadForTooling() (Config, error) {
	return load(false)
}

func load(requireAuth bool) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, key := range allKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	cfg := Config{
		ServerAddress:         v.GetString(envServerAddress),
		DatabaseURL:           strings.TrimSpace(v.GetString(envDatabaseURL)),
		JWTSecret:             v.GetString(envJWTSecret),
		JWTAudience:           v.GetString(envJWTAudience),
		RoleClaim:             v.GetString(envRoleClaim),
		EntitlementSigningKey: v.GetString(envSigningKey),
		EntitlementTokenTTL:   v.GetDuration(envTokenTTL),
		StripeSecretKey:       strings.TrimSpace(v.GetString(envStripeSecretKey)),
		StripeWebhookSecret:   strings.TrimSpace(v.GetString(envStripeWebhook)),
		StripeAPIURL:          v.GetString(envStripeAPIURL),
		AppBaseURL:            strings.TrimRight(v.GetString(envAppBaseURL), "/"),
		Currency:              strings.ToLower(v.GetString(envCurrency)),
		RedisURL:              v.GetString(envRedisURL),
		EntitlementTTL:        v.GetDuration(envEntitlementTTL),
		CORSAllowedOrigins:    splitList(v.GetString(envCORSOrigins)),
		LogLevel:              v.GetString(envLogLevel),
		WorkerConcurrency:     v.GetInt(envWorkerConcurrency),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if _, err := url.Parse(cfg.DatabaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}
	if requireAuth && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envJWTSecret)
	}
	if cfg.EntitlementSigningKey == "" {
		cfg.EntitlementSigningKey = cfg.JWTSecret
	}
	if cfg.WorkerConcurrency < 1 {
		return Config{}, fmt.Errorf("%s must be at least 1", envWorkerConcurrency)
	}
	if _, err := url.ParseRequestURI(cfg.AppBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAppBaseURL, err)
	}

	return cfg, nil
}

// DatabaseTarget describes the database without credentials, for logging.
func (c Config) DatabaseTarget() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "unparseable dsn"
	}
	return fmt.Sprintf("host=%s db=%s", u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
