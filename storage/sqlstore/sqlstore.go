// Package sqlstore implements storage.AtomicStore on a SQL database through
// gorm. MySQL is the production dialect; SQLite serves development and
// tests.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/jmcleod/examgate/storage"
)

// OneTimeKeyModel is the gorm model for a stored one-time key.
type OneTimeKeyModel struct {
	KeyHash        string `gorm:"column:key_hash;type:varchar(64);primaryKey"`
	CreatedAtMilli int64  `gorm:"column:created_at_ms;not null"`
	ExpiresAtMilli *int64 `gorm:"column:expires_at_ms"`
	DeadlineMilli  *int64 `gorm:"column:deadline_ms;index:idx_one_time_keys_deadline"`
}

// TableName returns the table name.
func (OneTimeKeyModel) TableName() string {
	return "one_time_keys"
}

func (m *OneTimeKeyModel) toRecord() *storage.Record {
	return storage.CloneRecord(&storage.Record{CreatedAt: m.CreatedAtMilli, ExpiresAt: m.ExpiresAtMilli})
}

// Store implements storage.AtomicStore on a gorm database.
type Store struct {
	db      *gorm.DB
	now     func() time.Time
	tracing bool
}

var _ storage.AtomicStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTracing registers the OpenTelemetry gorm plugin so every query is
// recorded as a span under the caller's context.
func WithTracing() Option {
	return func(s *Store) {
		s.tracing = true
	}
}

// Open connects with the named driver ("mysql" or "sqlite") and returns a
// migrated Store. Connection failures are reported as storage.ErrUnavailable.
func Open(ctx context.Context, driverName, dsn string, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driverName)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %w", storage.ErrUnavailable, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: pinging database: %w", storage.ErrUnavailable, err)
	}
	return NewStore(ctx, db, opts...)
}

// NewStore returns a Store on db, creating the table if needed.
func NewStore(ctx context.Context, db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil && !errors.Is(err, gorm.ErrRegistered) {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}
	if err := db.WithContext(ctx).AutoMigrate(&OneTimeKeyModel{}); err != nil {
		return nil, mapErr(fmt.Errorf("migrating one_time_keys: %w", err))
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	var m OneTimeKeyModel
	if err := s.db.WithContext(ctx).Where("key_hash = ?", key).First(&m).Error; err != nil {
		return nil, s.logged(ctx, "get", mapErr(err))
	}
	if s.lapsed(&m) {
		_ = s.Delete(ctx, key)
		return nil, storage.ErrNotFound
	}
	return m.toRecord(), nil
}

func (s *Store) Set(ctx context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	m := OneTimeKeyModel{
		KeyHash:        key,
		CreatedAtMilli: rec.CreatedAt,
		ExpiresAtMilli: storage.CloneRecord(rec).ExpiresAt,
	}
	if ttl > 0 {
		deadline := s.now().Add(ttl).UnixMilli()
		m.DeadlineMilli = &deadline
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	return s.logged(ctx, "set", mapErr(err))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("key_hash = ?", key).Delete(&OneTimeKeyModel{}).Error
	return s.logged(ctx, "delete", mapErr(err))
}

// Consume reads and deletes key in one transaction. The delete is
// conditional on the row still existing; a concurrent consumer that lost the
// race sees zero affected rows and reports ErrNotFound.
func (s *Store) Consume(ctx context.Context, key string) (*storage.Record, error) {
	var m OneTimeKeyModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_hash = ?", key).First(&m).Error; err != nil {
			return err
		}
		res := tx.Where("key_hash = ?", key).Delete(&OneTimeKeyModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, s.logged(ctx, "consume", mapErr(err))
	}
	if s.lapsed(&m) {
		return nil, storage.ErrNotFound
	}
	return m.toRecord(), nil
}

// Sweep deletes every row whose deadline has passed and returns how many
// were removed.
func (s *Store) Sweep() int {
	res := s.db.Where("deadline_ms IS NOT NULL AND deadline_ms <= ?", s.now().UnixMilli()).
		Delete(&OneTimeKeyModel{})
	if res.Error != nil {
		slog.Error("failed to sweep one-time keys", "operation", "sweep", "error", res.Error)
		return 0
	}
	return int(res.RowsAffected)
}

func (s *Store) lapsed(m *OneTimeKeyModel) bool {
	return m.DeadlineMilli != nil && s.now().UnixMilli() >= *m.DeadlineMilli
}

func (s *Store) logged(ctx context.Context, op string, err error) error {
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.ErrorContext(ctx, "one-time key store operation failed",
			"operation", op,
			"error", err,
		)
	}
	return err
}

func mapErr(err error) error {
	var netErr net.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	default:
		return err
	}
}
