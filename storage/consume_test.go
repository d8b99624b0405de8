package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/examgate/storage"
	"github.com/jmcleod/examgate/storage/memory"
)

func TestNewConsumer_SelectsCapability(t *testing.T) {
	mem := memory.NewStore()
	assert.Equal(t, storage.AtomicityStrong, storage.NewConsumer(mem).Atomicity())
	assert.Equal(t, storage.AtomicityWeak, storage.NewConsumer(storage.Basic(mem)).Atomicity())

	_, ok := storage.Basic(mem).(storage.AtomicStore)
	assert.False(t, ok, "Basic must hide Consume")
}

func TestConsumer_Consume(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name  string
		store storage.Store
		want  storage.Atomicity
	}{
		{"atomic", memory.NewStore(), storage.AtomicityStrong},
		{"basic", storage.Basic(memory.NewStore()), storage.AtomicityWeak},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := storage.NewConsumer(tc.store)
			require.NoError(t, tc.store.Set(ctx, "k", &storage.Record{CreatedAt: 5}, time.Hour))

			rec, atomicity, err := c.Consume(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, tc.want, atomicity)
			assert.Equal(t, int64(5), rec.CreatedAt)

			_, _, err = c.Consume(ctx, "k")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			_, err = tc.store.Get(ctx, "k")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestRecordExpired(t *testing.T) {
	now := time.UnixMilli(1000)
	past, future := int64(999), int64(1001)

	assert.True(t, (&storage.Record{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&storage.Record{ExpiresAt: &future}).Expired(now))
	assert.False(t, (&storage.Record{}).Expired(now))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	exp := int64(42)
	now := time.UnixMilli(1000)
	env := storage.SealEnvelope(&storage.Record{CreatedAt: 1, ExpiresAt: &exp}, time.Second, now)
	assert.Equal(t, int64(2000), env.Deadline)
	assert.False(t, env.Lapsed(now))
	assert.True(t, env.Lapsed(now.Add(time.Second)))

	data, err := storage.MarshalEnvelope(env)
	require.NoError(t, err)
	got, err := storage.UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.Deadline, got.Deadline)
	assert.Equal(t, exp, *got.Record.ExpiresAt)

	_, err = storage.UnmarshalEnvelope([]byte("{"))
	assert.Error(t, err)
}

// TestWeakConsumeStress hammers the Get+Delete fallback. Double successes
// are possible by construction, so they are reported rather than failed.
func TestWeakConsumeStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	ctx := context.Background()
	store := storage.Basic(memory.NewStore())
	c := storage.NewConsumer(store)

	doubles := 0
	for round := 0; round < 200; round++ {
		require.NoError(t, store.Set(ctx, "race", &storage.Record{CreatedAt: int64(round)}, time.Hour))
		var successes atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, _, err := c.Consume(ctx, "race"); err == nil {
					successes.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.GreaterOrEqual(t, successes.Load(), int32(1))
		if successes.Load() > 1 {
			doubles++
		}
	}
	if doubles > 0 {
		t.Logf("weak consume: %d/200 rounds admitted more than one success", doubles)
	}
}
