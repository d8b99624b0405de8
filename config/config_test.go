package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"EXAMGATE_ADDR", "EXAMGATE_ENV", "EXAMGATE_TOKEN_SECRET", "EXAMGATE_TOKEN_SECRET_KMS_CIPHERTEXT",
	"EXAMGATE_KMS_KEY_NAME", "EXAMGATE_STORE", "EXAMGATE_BBOLT_PATH", "EXAMGATE_MONGO_URI",
	"EXAMGATE_MONGO_DB", "EXAMGATE_MONGO_COLLECTION", "EXAMGATE_SQL_DRIVER", "EXAMGATE_SQL_DSN",
	"EXAMGATE_POSTGRES_DSN",
	"EXAMGATE_SWEEP_INTERVAL", "EXAMGATE_MAIL_API_URL", "EXAMGATE_MAIL_API_KEY", "EXAMGATE_MAIL_FROM",
	"EXAMGATE_UNLOCK_TTL_DEFAULT", "EXAMGATE_WEBHOOK_PUBLIC_KEY", "EXAMGATE_WEBHOOK_COMMAND",
	"EXAMGATE_WEBHOOK_CHANNEL", "EXAMGATE_WEBHOOK_BYPASS", "EXAMGATE_WEBHOOK_MAX_SKEW",
	"EXAMGATE_TRUSTED_PROXIES", "EXAMGATE_ALERT_WEBHOOK_URL", "EXAMGATE_ALERT_WEBHOOK_AUTH_HEADER", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
	"OTEL_SAMPLING_RATE", "GOOGLE_CLOUD_PROJECT", "LOG_LEVEL",
}

// clearEnv blanks every variable Load reads; t.Setenv restores them.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, EnvProduction, cfg.Env)
	assert.True(t, cfg.Production())
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "examgate", cfg.MongoDatabase)
	assert.Equal(t, "one_time_keys", cfg.MongoCollection)
	assert.Equal(t, "sqlite", cfg.SQLDriver)
	assert.Equal(t, 120*time.Minute, cfg.UnlockTTLDefault)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "exam-access", cfg.WebhookCommand)
	assert.Zero(t, cfg.WebhookMaxSkew)
	assert.False(t, cfg.WebhookBypass)
	assert.False(t, cfg.OtelEnabled)
	assert.Equal(t, 1.0, cfg.OtelSamplingRate)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.True(t, cfg.LogMailer())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXAMGATE_ENV", "Development")
	t.Setenv("EXAMGATE_STORE", "BBOLT")
	t.Setenv("EXAMGATE_UNLOCK_TTL_DEFAULT", "45m")
	t.Setenv("EXAMGATE_WEBHOOK_BYPASS", "true")
	t.Setenv("EXAMGATE_TRUSTED_PROXIES", "10.0.0.0/8, ,192.168.0.1")
	t.Setenv("EXAMGATE_ALERT_WEBHOOK_URL", "https://alerts.example.com/hook")
	t.Setenv("EXAMGATE_ALERT_WEBHOOK_AUTH_HEADER", "Bearer alert-token")
	t.Setenv("OTEL_SAMPLING_RATE", "0.25")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.False(t, cfg.Production())
	assert.Equal(t, StoreBbolt, cfg.Store)
	assert.Equal(t, 45*time.Minute, cfg.UnlockTTLDefault)
	assert.True(t, cfg.WebhookBypass)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.1"}, cfg.TrustedProxies)
	assert.Equal(t, "https://alerts.example.com/hook", cfg.AlertWebhookURL)
	assert.Equal(t, "Bearer alert-token", cfg.AlertWebhookAuthHeader)
	assert.Equal(t, 0.25, cfg.OtelSamplingRate)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXAMGATE_UNLOCK_TTL_DEFAULT", "two hours")
	t.Setenv("EXAMGATE_WEBHOOK_BYPASS", "maybe")
	t.Setenv("OTEL_SAMPLING_RATE", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXAMGATE_UNLOCK_TTL_DEFAULT")
	assert.Contains(t, err.Error(), "EXAMGATE_WEBHOOK_BYPASS")
	assert.Contains(t, err.Error(), "OTEL_SAMPLING_RATE")
}

func validProduction() *Config {
	return &Config{
		Env:              EnvProduction,
		TokenSecret:      "base64:c2VjcmV0",
		Store:            StoreMongo,
		MongoURI:         "mongodb://localhost:27017",
		MailAPIURL:       "https://mail.example.com/send",
		SweepInterval:    time.Minute,
		OtelSamplingRate: 1,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid production", mutate: func(*Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.TokenSecret = "" }, wantErr: "EXAMGATE_TOKEN_SECRET"},
		{name: "kms without key name", mutate: func(c *Config) {
			c.TokenSecret = ""
			c.TokenSecretKMSCiphertext = "abc"
		}, wantErr: "EXAMGATE_KMS_KEY_NAME"},
		{name: "bypass in production", mutate: func(c *Config) { c.WebhookBypass = true }, wantErr: "BYPASS"},
		{name: "log mailer in production", mutate: func(c *Config) { c.MailAPIURL = "" }, wantErr: "EXAMGATE_MAIL_API_URL"},
		{name: "memory store in production", mutate: func(c *Config) { c.Store = StoreMemory }, wantErr: "memory store"},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "redis" }, wantErr: "unknown EXAMGATE_STORE"},
		{name: "mongo without uri", mutate: func(c *Config) { c.MongoURI = "" }, wantErr: "EXAMGATE_MONGO_URI"},
		{name: "sql without dsn", mutate: func(c *Config) {
			c.Store = StoreSQL
			c.SQLDriver = "mysql"
		}, wantErr: "EXAMGATE_SQL_DSN"},
		{name: "sql bad driver", mutate: func(c *Config) {
			c.Store = StoreSQL
			c.SQLDriver = "oracle"
			c.SQLDSN = "x"
		}, wantErr: "EXAMGATE_SQL_DRIVER"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store = StorePostgres }, wantErr: "EXAMGATE_POSTGRES_DSN"},
		{name: "postgres with dsn", mutate: func(c *Config) {
			c.Store = StorePostgres
			c.PostgresDSN = "postgres://localhost/examgate"
		}},
		{name: "bad env", mutate: func(c *Config) { c.Env = "staging" }, wantErr: "EXAMGATE_ENV"},
		{name: "bad sampling rate", mutate: func(c *Config) { c.OtelSamplingRate = 2 }, wantErr: "OTEL_SAMPLING_RATE"},
		{name: "development allows bypass and log mailer", mutate: func(c *Config) {
			c.Env = EnvDevelopment
			c.WebhookBypass = true
			c.MailAPIURL = ""
			c.Store = StoreMemory
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validProduction()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("EXAMGATE_ADDR=:9999\nEXAMGATE_MAIL_FROM=dotenv@example.com\n"), 0o600))

	t.Setenv("EXAMGATE_ADDR", ":7000")
	os.Unsetenv("EXAMGATE_MAIL_FROM")
	LoadDotEnv(path)
	t.Cleanup(func() { os.Unsetenv("EXAMGATE_MAIL_FROM") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "dotenv@example.com", cfg.MailFrom)
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}
