// Package storetest holds the behavioural test suite shared by every
// storage backend.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/examgate/storage"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty store reading time from clock.
type Factory func(t *testing.T, clock *Clock) storage.Store

// Run exercises the storage.Store contract, and storage.AtomicStore when the
// store implements it.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	start := time.Now().Truncate(time.Millisecond)

	t.Run("SetGet", func(t *testing.T) {
		s := newStore(t, NewClock(start))
		exp := start.Add(time.Hour).UnixMilli()
		rec := &storage.Record{CreatedAt: start.UnixMilli(), ExpiresAt: &exp}

		require.NoError(t, s.Set(ctx, "k1", rec, time.Hour))
		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, rec.CreatedAt, got.CreatedAt)
		require.NotNil(t, got.ExpiresAt)
		assert.Equal(t, exp, *got.ExpiresAt)
	})

	t.Run("NoExpiry", func(t *testing.T) {
		s := newStore(t, NewClock(start))
		require.NoError(t, s.Set(ctx, "k1", &storage.Record{CreatedAt: 1}, 0))
		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t, NewClock(start))
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t, NewClock(start))
		require.NoError(t, s.Set(ctx, "k1", &storage.Record{CreatedAt: 1}, time.Hour))
		require.NoError(t, s.Set(ctx, "k1", &storage.Record{CreatedAt: 2}, time.Hour))
		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.CreatedAt)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := newStore(t, NewClock(start))
		require.NoError(t, s.Set(ctx, "k1", &storage.Record{CreatedAt: 1}, time.Hour))
		require.NoError(t, s.Delete(ctx, "k1"))
		require.NoError(t, s.Delete(ctx, "k1"))
		require.NoError(t, s.Delete(ctx, "never-set"))
		_, err := s.Get(ctx, "k1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TTLLapse", func(t *testing.T) {
		clock := NewClock(start)
		s := newStore(t, clock)
		require.NoError(t, s.Set(ctx, "k1", &storage.Record{CreatedAt: 1}, 5*time.Minute))

		clock.Advance(4 * time.Minute)
		_, err := s.Get(ctx, "k1")
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		_, err = s.Get(ctx, "k1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("IsolatedCopies", func(t *testing.T) {
		s := newStore(t, NewClock(start))
		exp := int64(10)
		rec := &storage.Record{CreatedAt: 1, ExpiresAt: &exp}
		require.NoError(t, s.Set(ctx, "k1", rec, 0))
		exp = 99

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), *got.ExpiresAt)
	})

	probe := newStore(t, NewClock(start))
	if _, ok := probe.(storage.AtomicStore); !ok {
		return
	}

	t.Run("ConsumeOnce", func(t *testing.T) {
		s := newStore(t, NewClock(start)).(storage.AtomicStore)
		require.NoError(t, s.Set(ctx, "k1", &storage.Record{CreatedAt: 7}, time.Hour))

		got, err := s.Consume(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.CreatedAt)

		_, err = s.Consume(ctx, "k1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.Get(ctx, "k1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConsumeLapsed", func(t *testing.T) {
		clock := NewClock(start)
		s := newStore(t, clock).(storage.AtomicStore)
		require.NoError(t, s.Set(ctx, "k1", &storage.Record{CreatedAt: 7}, time.Minute))
		clock.Advance(2 * time.Minute)

		_, err := s.Consume(ctx, "k1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConcurrentConsume", func(t *testing.T) {
		s := newStore(t, NewClock(start)).(storage.AtomicStore)
		const workers = 16
		for round := 0; round < 20; round++ {
			require.NoError(t, s.Set(ctx, "race", &storage.Record{CreatedAt: int64(round)}, time.Hour))

			var successes atomic.Int32
			var wg sync.WaitGroup
			gate := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-gate
					if _, err := s.Consume(ctx, "race"); err == nil {
						successes.Add(1)
					}
				}()
			}
			close(gate)
			wg.Wait()
			require.Equal(t, int32(1), successes.Load(), "round %d", round)
		}
	})
}
