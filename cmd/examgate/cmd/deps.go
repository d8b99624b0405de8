package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmcleod/examgate/config"
	"github.com/jmcleod/examgate/mail"
	"github.com/jmcleod/examgate/secret"
	"github.com/jmcleod/examgate/storage"
	bboltstorage "github.com/jmcleod/examgate/storage/bbolt"
	"github.com/jmcleod/examgate/storage/memory"
	mongostorage "github.com/jmcleod/examgate/storage/mongo"
	"github.com/jmcleod/examgate/storage/postgres"
	"github.com/jmcleod/examgate/storage/sqlstore"
)

// sweeper is implemented by stores that need expired records dropped
// by the application rather than by the backend.
type sweeper interface {
	Sweep() int
}

// openStore builds the store selected by cfg. The returned func releases
// it.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewStore(), noop, nil

	case config.StoreBbolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BboltPath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewStoreFromFile(cfg.BboltPath, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return s, func(context.Context) error { return s.Close() }, nil

	case config.StoreMongo:
		s, err := mongostorage.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mongo store: %w", err)
		}
		return s, s.Close, nil

	case config.StoreSQL:
		var opts []sqlstore.Option
		if cfg.OtelEnabled {
			opts = append(opts, sqlstore.WithTracing())
		}
		s, err := sqlstore.Open(ctx, cfg.SQLDriver, cfg.SQLDSN, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sql store: %w", err)
		}
		return s, func(context.Context) error { return s.Close() }, nil

	case config.StorePostgres:
		s, err := postgres.NewStoreFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, func(context.Context) error { s.Close(); return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// loadSecret returns the token secret, decrypting it through Cloud KMS
// when a ciphertext is configured.
func loadSecret(ctx context.Context, cfg *config.Config) (*secret.Key, error) {
	if cfg.TokenSecretKMSCiphertext != "" {
		d, err := secret.NewKMSDecrypter(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return secret.Unwrap(ctx, d, cfg.TokenSecretKMSCiphertext)
	}
	if cfg.TokenSecret == "" {
		return nil, secret.ErrMissing
	}
	return secret.Parse(cfg.TokenSecret)
}

func newMailer(cfg *config.Config, logger *slog.Logger) mail.Mailer {
	if cfg.LogMailer() {
		logger.Warn("EXAMGATE_MAIL_API_URL is not set; unlock keys are logged, not delivered")
		return &mail.LogMailer{Logger: logger}
	}
	return mail.NewHTTPMailer(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom)
}

// runStoreSweeper drops expired records every interval when the store
// needs it. Backends with native expiry are left alone.
func runStoreSweeper(ctx context.Context, store storage.Store, interval time.Duration, logger *slog.Logger) {
	sw, ok := store.(sweeper)
	if !ok {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sw.Sweep(); n > 0 {
				logger.Debug("swept expired one-time keys", "count", n)
			}
		}
	}
}

func closeStore(closeFn func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("failed to close store", "error", err)
	}
}
