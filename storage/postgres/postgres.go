// Package postgres implements storage.AtomicStore backed by PostgreSQL.
//
// Each one-time key is one row keyed by its hash. Times are stored as Unix
// milliseconds so that records round-trip unchanged. Consume is a single
// DELETE ... RETURNING statement, so of two concurrent consumers only one
// gets the row back.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/examgate/storage"
)

// Store implements storage.AtomicStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
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

// NewStore returns a Store on the given pool. The schema must already
// exist; see EnsureSchema.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres: %w", storage.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pinging postgres: %w", storage.ErrUnavailable, err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", mapErr(err))
	}
	return NewStore(pool, opts...), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

type row struct {
	createdAt int64
	expiresAt *int64
	deadline  *int64
}

func (r *row) record() *storage.Record {
	return &storage.Record{CreatedAt: r.createdAt, ExpiresAt: r.expiresAt}
}

func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	var r row
	err := s.pool.QueryRow(ctx,
		`SELECT created_at_ms, expires_at_ms, deadline_ms FROM one_time_keys WHERE key_hash = $1`,
		key).Scan(&r.createdAt, &r.expiresAt, &r.deadline)
	if err != nil {
		return nil, s.logged(ctx, "get", mapErr(err))
	}
	if s.lapsed(&r) {
		_ = s.Delete(ctx, key)
		return nil, storage.ErrNotFound
	}
	return r.record(), nil
}

func (s *Store) Set(ctx context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	var deadline *int64
	if ttl > 0 {
		d := s.now().Add(ttl).UnixMilli()
		deadline = &d
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO one_time_keys (key_hash, created_at_ms, expires_at_ms, deadline_ms)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key_hash)
		 DO UPDATE SET created_at_ms = $2, expires_at_ms = $3, deadline_ms = $4`,
		key, rec.CreatedAt, rec.ExpiresAt, deadline)
	return s.logged(ctx, "set", mapErr(err))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM one_time_keys WHERE key_hash = $1`, key)
	return s.logged(ctx, "delete", mapErr(err))
}

func (s *Store) Consume(ctx context.Context, key string) (*storage.Record, error) {
	var r row
	err := s.pool.QueryRow(ctx,
		`DELETE FROM one_time_keys WHERE key_hash = $1
		 RETURNING created_at_ms, expires_at_ms, deadline_ms`,
		key).Scan(&r.createdAt, &r.expiresAt, &r.deadline)
	if err != nil {
		return nil, s.logged(ctx, "consume", mapErr(err))
	}
	if s.lapsed(&r) {
		return nil, storage.ErrNotFound
	}
	return r.record(), nil
}

// Sweep deletes every row whose deadline has passed and returns how many
// were removed.
func (s *Store) Sweep() int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM one_time_keys WHERE deadline_ms IS NOT NULL AND deadline_ms <= $1`,
		s.now().UnixMilli())
	if err != nil {
		slog.Error("failed to sweep one-time keys", "operation", "sweep", "error", err)
		return 0
	}
	return int(tag.RowsAffected())
}

func (s *Store) lapsed(r *row) bool {
	return r.deadline != nil && s.now().UnixMilli() >= *r.deadline
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
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return storage.ErrNotFound
	case errors.As(err, &connErr), pgconn.Timeout(err),
		errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	default:
		return err
	}
}
