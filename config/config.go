// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environments.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreBbolt    = "bbolt"
	StoreMongo    = "mongo"
	StoreSQL      = "sql"
	StorePostgres = "postgres"
)

// Config is the service configuration.
type Config struct {
	Addr string
	Env  string

	TokenSecret              string
	TokenSecretKMSCiphertext string
	KMSKeyName               string

	Store           string
	BboltPath       string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	SQLDriver       string
	SQLDSN          string
	PostgresDSN     string
	SweepInterval   time.Duration

	MailAPIURL string
	MailAPIKey string
	MailFrom   string

	UnlockTTLDefault time.Duration

	WebhookPublicKey string
	WebhookCommand   string
	WebhookChannel   string
	WebhookBypass    bool
	WebhookMaxSkew   time.Duration

	TrustedProxies []string

	AlertWebhookURL        string
	AlertWebhookAuthHeader string

	OtelEnabled        bool
	OtelEndpoint       string
	OtelServiceName    string
	OtelSamplingRate   float64
	GoogleCloudProject string

	LogLevel string
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		Addr:                     getEnv("EXAMGATE_ADDR", ":8080"),
		Env:                      strings.ToLower(getEnv("EXAMGATE_ENV", EnvProduction)),
		TokenSecret:              os.Getenv("EXAMGATE_TOKEN_SECRET"),
		TokenSecretKMSCiphertext: os.Getenv("EXAMGATE_TOKEN_SECRET_KMS_CIPHERTEXT"),
		KMSKeyName:               os.Getenv("EXAMGATE_KMS_KEY_NAME"),
		Store:                    strings.ToLower(getEnv("EXAMGATE_STORE", StoreMemory)),
		BboltPath:                getEnv("EXAMGATE_BBOLT_PATH", "./data/keys.db"),
		MongoURI:                 os.Getenv("EXAMGATE_MONGO_URI"),
		MongoDatabase:            getEnv("EXAMGATE_MONGO_DB", "examgate"),
		MongoCollection:          getEnv("EXAMGATE_MONGO_COLLECTION", "one_time_keys"),
		SQLDriver:                getEnv("EXAMGATE_SQL_DRIVER", "sqlite"),
		SQLDSN:                   os.Getenv("EXAMGATE_SQL_DSN"),
		PostgresDSN:              os.Getenv("EXAMGATE_POSTGRES_DSN"),
		MailAPIURL:               os.Getenv("EXAMGATE_MAIL_API_URL"),
		MailAPIKey:               os.Getenv("EXAMGATE_MAIL_API_KEY"),
		MailFrom:                 getEnv("EXAMGATE_MAIL_FROM", "no-reply@localhost"),
		WebhookPublicKey:         os.Getenv("EXAMGATE_WEBHOOK_PUBLIC_KEY"),
		WebhookCommand:           getEnv("EXAMGATE_WEBHOOK_COMMAND", "exam-access"),
		WebhookChannel:           os.Getenv("EXAMGATE_WEBHOOK_CHANNEL"),
		TrustedProxies:           splitList(os.Getenv("EXAMGATE_TRUSTED_PROXIES")),
		AlertWebhookURL:          os.Getenv("EXAMGATE_ALERT_WEBHOOK_URL"),
		AlertWebhookAuthHeader:   os.Getenv("EXAMGATE_ALERT_WEBHOOK_AUTH_HEADER"),
		OtelEndpoint:             getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:          getEnv("OTEL_SERVICE_NAME", "examgate"),
		GoogleCloudProject:       os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:                 strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
	}

	cfg.SweepInterval = getDuration("EXAMGATE_SWEEP_INTERVAL", time.Minute, &errs)
	cfg.UnlockTTLDefault = getDuration("EXAMGATE_UNLOCK_TTL_DEFAULT", 120*time.Minute, &errs)
	cfg.WebhookMaxSkew = getDuration("EXAMGATE_WEBHOOK_MAX_SKEW", 0, &errs)
	cfg.WebhookBypass = getBool("EXAMGATE_WEBHOOK_BYPASS", false, &errs)
	cfg.OtelEnabled = getBool("OTEL_ENABLED", false, &errs)
	cfg.OtelSamplingRate = getFloat("OTEL_SAMPLING_RATE", 1.0, &errs)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return c.Env != EnvDevelopment
}

// LogMailer reports whether mail is only logged rather than sent.
func (c *Config) LogMailer() bool {
	return c.MailAPIURL == ""
}

// Validate checks the configuration for missing or unsafe settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvProduction, EnvDevelopment:
	default:
		errs = append(errs, fmt.Errorf("EXAMGATE_ENV must be %q or %q, got %q", EnvProduction, EnvDevelopment, c.Env))
	}

	if c.TokenSecret == "" && c.TokenSecretKMSCiphertext == "" {
		errs = append(errs, errors.New("EXAMGATE_TOKEN_SECRET or EXAMGATE_TOKEN_SECRET_KMS_CIPHERTEXT is required"))
	}
	if c.TokenSecretKMSCiphertext != "" && c.KMSKeyName == "" {
		errs = append(errs, errors.New("EXAMGATE_KMS_KEY_NAME is required with EXAMGATE_TOKEN_SECRET_KMS_CIPHERTEXT"))
	}

	switch c.Store {
	case StoreMemory:
		if c.Production() {
			errs = append(errs, errors.New("the memory store is not durable; choose bbolt, mongo, sql or postgres in production"))
		}
	case StoreBbolt:
		if c.BboltPath == "" {
			errs = append(errs, errors.New("EXAMGATE_BBOLT_PATH is required for the bbolt store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("EXAMGATE_MONGO_URI is required for the mongo store"))
		}
	case StoreSQL:
		if c.SQLDSN == "" {
			errs = append(errs, errors.New("EXAMGATE_SQL_DSN is required for the sql store"))
		}
		if c.SQLDriver != "mysql" && c.SQLDriver != "sqlite" {
			errs = append(errs, fmt.Errorf("EXAMGATE_SQL_DRIVER must be mysql or sqlite, got %q", c.SQLDriver))
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("EXAMGATE_POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EXAMGATE_STORE %q", c.Store))
	}

	if c.Production() {
		if c.WebhookBypass {
			errs = append(errs, errors.New("EXAMGATE_WEBHOOK_BYPASS is not allowed in production"))
		}
		if c.LogMailer() {
			errs = append(errs, errors.New("EXAMGATE_MAIL_API_URL is required in production"))
		}
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("EXAMGATE_SWEEP_INTERVAL must be positive"))
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLING_RATE must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return d
}

func getBool(key string, defaultVal bool, errs *[]error) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return b
}

func getFloat(key string, defaultVal float64, errs *[]error) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
