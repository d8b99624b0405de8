// Package memory provides a thread-safe in-memory implementation of
// storage.AtomicStore.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/examgate/storage"
)

// Store is a thread-safe in-memory one-time key store. All operations hold a
// single mutex, so Consume is atomic with respect to every other call.
// Records are lost on restart; suitable for development, tests and
// single-process deployments.
type Store struct {
	mu   sync.Mutex
	data map[string]*storage.Envelope
	now  func() time.Time
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

// NewStore creates a new empty in-memory Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]*storage.Envelope),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.liveLocked(key)
	if err != nil {
		return nil, err
	}
	return storage.CloneRecord(&env.Record), nil
}

func (s *Store) Set(_ context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = storage.SealEnvelope(rec, ttl, s.now())
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Consume(_ context.Context, key string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.liveLocked(key)
	if err != nil {
		return nil, err
	}
	delete(s.data, key)
	return storage.CloneRecord(&env.Record), nil
}

// Sweep removes every entry whose store-level deadline has passed and
// returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, env := range s.data {
		if env.Lapsed(now) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including lapsed ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *Store) liveLocked(key string) (*storage.Envelope, error) {
	env, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if env.Lapsed(s.now()) {
		delete(s.data, key)
		return nil, storage.ErrNotFound
	}
	return env, nil
}
