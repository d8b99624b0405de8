// Package bbolt provides a BBolt-backed one-time key store.
package bbolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/examgate/storage"
)

var bucketName = []byte("one_time_keys")

// Store implements storage.AtomicStore backed by a BBolt database. BBolt
// serialises write transactions, so Consume's read and delete inside one
// Update are atomic.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.AtomicStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return s, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a
// new Store. A database that cannot be opened within the timeout (another
// process holds the lock) is reported as storage.ErrUnavailable.
func NewStoreFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: 5 * time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("%w: opening bbolt db: %w", storage.ErrUnavailable, err)
	}
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) (*storage.Record, error) {
	var rec *storage.Record
	lapsed := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		env, err := s.load(tx, key)
		if err != nil {
			return err
		}
		if env.Lapsed(s.now()) {
			lapsed = true
			return storage.ErrNotFound
		}
		rec = &env.Record
		return nil
	})
	if lapsed {
		_ = s.Delete(context.Background(), key)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return rec, nil
}

func (s *Store) Set(_ context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	data, err := storage.MarshalEnvelope(storage.SealEnvelope(rec, ttl, s.now()))
	if err != nil {
		return err
	}
	return mapErr(s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	}))
}

func (s *Store) Delete(_ context.Context, key string) error {
	return mapErr(s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	}))
}

func (s *Store) Consume(_ context.Context, key string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		env, err := s.load(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketName).Delete([]byte(key)); err != nil {
			return err
		}
		if !env.Lapsed(s.now()) {
			rec = &env.Record
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if rec == nil {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

// Sweep deletes every entry whose deadline has passed and returns how many
// were removed.
func (s *Store) Sweep() int {
	n := 0
	now := s.now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			env, err := storage.UnmarshalEnvelope(v)
			if err != nil || env.Lapsed(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to sweep one-time keys", "operation", "sweep", "error", err)
		return 0
	}
	return n
}

func (s *Store) load(tx *bbolt.Tx, key string) (*storage.Envelope, error) {
	data := tx.Bucket(bucketName).Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return storage.UnmarshalEnvelope(data)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.ErrNotFound
	case errors.Is(err, bbolt.ErrDatabaseNotOpen), errors.Is(err, bbolt.ErrTimeout):
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	default:
		return err
	}
}
