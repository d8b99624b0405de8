package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/examgate/internal/util"
	"github.com/jmcleod/examgate/mail"
	"github.com/jmcleod/examgate/secret"
	"github.com/jmcleod/examgate/storage"
	"github.com/jmcleod/examgate/storage/memory"
	"github.com/jmcleod/examgate/storage/storetest"
	"github.com/jmcleod/examgate/token"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("msg-%d", len(m.sent)), nil
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*storage.Record, error) {
	return nil, storage.ErrUnavailable
}

func (failingStore) Set(context.Context, string, *storage.Record, time.Duration) error {
	return storage.ErrUnavailable
}

func (failingStore) Delete(context.Context, string) error {
	return storage.ErrUnavailable
}

type harness struct {
	svc    *Service
	store  *memory.Store
	mailer *fakeMailer
	clock  *storetest.Clock
	codes  []string
}

func testKey(t *testing.T) *secret.Key {
	t.Helper()
	k, err := secret.Parse(strings.Repeat("k", 32))
	require.NoError(t, err)
	return k
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		mailer: &fakeMailer{},
		clock:  storetest.NewClock(time.Unix(1700000000, 0)),
	}
	h.store = memory.NewStore(memory.WithClock(h.clock.Now))
	var n atomic.Int32
	gen := func() (string, error) {
		code := fmt.Sprintf("CODE-%04d", n.Add(1))
		h.codes = append(h.codes, code)
		return code, nil
	}
	opts = append([]Option{WithClock(h.clock.Now), WithCodeGenerator(gen)}, opts...)
	svc, err := New(h.store, h.mailer, testKey(t), opts...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func decode(t *testing.T, tok string) token.Claims {
	t.Helper()
	c, err := token.Decode(tok)
	require.NoError(t, err)
	return c
}

func flipLast(s string) string {
	last := s[len(s)-1]
	repl := byte('A')
	if last == 'A' {
		repl = 'B'
	}
	return s[:len(s)-1] + string(repl)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	k := testKey(t)
	_, err := New(nil, &fakeMailer{}, k)
	assert.Error(t, err)
	_, err = New(memory.NewStore(), nil, k)
	assert.Error(t, err)
	_, err = New(memory.NewStore(), &fakeMailer{}, nil)
	assert.Error(t, err)
}

func TestFullHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := h.clock.Now()

	_, err := h.svc.ProvisionCode(ctx, "ABC123", 0)
	require.NoError(t, err)

	t1, err := h.svc.VerifyPreAccess(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, token.ScopePre, decode(t, t1.Token).Scope())
	assert.Equal(t, now.Add(30*time.Minute).Unix(), t1.ExpiresAt)
	assert.Equal(t, 0, h.store.Len(), "admin code must be consumed")

	issued, err := h.svc.RequestUnlockKey(ctx, t1.Token, "user@example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", issued.ID)
	assert.Equal(t, now.Add(120*time.Minute), issued.ExpiresAt)
	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, "user@example.com", h.mailer.sent[0].To)
	code := h.codes[0]
	assert.Contains(t, h.mailer.sent[0].Body, code)

	rec, err := h.store.Get(ctx, util.SHA256Hex(code))
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, now.Add(120*time.Minute).UnixMilli(), *rec.ExpiresAt)
	assert.Equal(t, now.UnixMilli(), rec.CreatedAt)

	t2, err := h.svc.RedeemUnlockKey(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, token.ScopeExam, decode(t, t2.Token).Scope())
	assert.Equal(t, now.Add(6*time.Hour).Unix(), t2.ExpiresAt)

	_, err = h.svc.RedeemUnlockKey(ctx, code)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVerifyPreAccess_CodeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.ProvisionCode(ctx, "abc123", 0)
	require.NoError(t, err)

	_, err = h.svc.VerifyPreAccess(ctx, "  abc123 ")
	require.NoError(t, err)
	_, err = h.svc.VerifyPreAccess(ctx, "ABC123")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVerifyPreAccess_TokenIsReturnedUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.ProvisionCode(ctx, "KEEP", 0)
	require.NoError(t, err)
	grant, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	again, err := h.svc.VerifyPreAccess(ctx, grant.Token)
	require.NoError(t, err)
	assert.Equal(t, grant.Token, again.Token)
	assert.Equal(t, grant.ExpiresAt, again.ExpiresAt)
	assert.Equal(t, 1, h.store.Len(), "token re-validation must not touch the store")
}

func TestVerifyPreAccess_RejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	exam, err := h.svc.mint(token.ScopeExam, UnlockTTL)
	require.NoError(t, err)
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)

	tests := []struct {
		name string
		key  string
	}{
		{"empty", "   "},
		{"exam scope", exam.Token},
		{"tampered", flipLast(pre.Token)},
		{"garbage", "a.b.c"},
		{"unknown code", "NOPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.VerifyPreAccess(ctx, tt.key)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}

	h.clock.Advance(31 * time.Minute)
	_, err = h.svc.VerifyPreAccess(ctx, pre.Token)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, err, token.ErrExpiredToken)
}

func TestRedeem_ExpiredKeyIsDeleted(t *testing.T) {
	for _, weak := range []bool{false, true} {
		t.Run(fmt.Sprintf("weak=%v", weak), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			var store storage.Store = h.store
			if weak {
				store = storage.Basic(h.store)
			}
			svc, err := New(store, h.mailer, testKey(t), WithClock(h.clock.Now))
			require.NoError(t, err)

			past := h.clock.Now().Add(-time.Minute).UnixMilli()
			hash := util.SHA256Hex("OLDCODE")
			require.NoError(t, h.store.Set(ctx, hash, &storage.Record{CreatedAt: past, ExpiresAt: &past}, 0))

			_, err = svc.RedeemUnlockKey(ctx, "oldcode")
			assert.ErrorIs(t, err, ErrExpiredKey)
			_, err = h.store.Get(ctx, hash)
			assert.ErrorIs(t, err, storage.ErrNotFound, "expired record must be removed")

			_, err = svc.RedeemUnlockKey(ctx, "oldcode")
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestRedeem_AfterClockPassesExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)
	_, err = h.svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", 10*time.Minute)
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	_, err = h.svc.RedeemUnlockKey(ctx, h.codes[0])
	assert.ErrorIs(t, err, ErrExpiredKey)
	assert.Equal(t, 0, h.store.Len(), "expired record must be removed")

	_, err = h.svc.RedeemUnlockKey(ctx, h.codes[0])
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVerifyPreAccess_ProvisionedCodeExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p, err := h.svc.ProvisionCode(ctx, "ABC123", time.Minute)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.svc.VerifyPreAccess(ctx, "abc123")
	assert.ErrorIs(t, err, ErrExpiredKey)
	_, err = h.store.Get(ctx, p.KeyHash)
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired record must be removed")
}

func TestRedeem_PastRetentionIsInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)
	_, err = h.svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", 10*time.Minute)
	require.NoError(t, err)

	h.clock.Advance(10*time.Minute + ExpiredKeyRetention)
	_, err = h.svc.RedeemUnlockKey(ctx, h.codes[0])
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRedeem_NormalizesCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)
	_, err = h.svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", 0)
	require.NoError(t, err)

	_, err = h.svc.RedeemUnlockKey(ctx, "  "+strings.ToLower(h.codes[0])+"\n")
	assert.NoError(t, err)
}

func TestRedeem_ConcurrentExactlyOneSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.Equal(t, storage.AtomicityStrong, h.svc.Atomicity())
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)
	_, err = h.svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", 0)
	require.NoError(t, err)
	code := h.codes[0]

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		invalid   atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.RedeemUnlockKey(ctx, code)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidKey):
				invalid.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), invalid.Load())
}

// The get-then-delete fallback has a race window, so duplicates are
// reported rather than failed.
func TestRedeem_WeakFallbackStress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc, err := New(storage.Basic(h.store), h.mailer, testKey(t), WithClock(h.clock.Now))
	require.NoError(t, err)
	require.Equal(t, storage.AtomicityWeak, svc.Atomicity())

	doubles := 0
	for round := 0; round < 50; round++ {
		code := fmt.Sprintf("WEAK%03d", round)
		_, err := svc.ProvisionCode(ctx, code, time.Hour)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var successes atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := svc.RedeemUnlockKey(ctx, code); err == nil {
					successes.Add(1)
				}
			}()
		}
		wg.Wait()
		require.GreaterOrEqual(t, successes.Load(), int32(1))
		if successes.Load() > 1 {
			doubles++
		}
	}
	if doubles > 0 {
		t.Logf("weak consume admitted duplicate redemptions in %d of 50 rounds", doubles)
	}
}

func TestRequestUnlockKey_Unauthorized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exam, err := h.svc.mint(token.ScopeExam, UnlockTTL)
	require.NoError(t, err)
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)

	for name, bearer := range map[string]string{
		"empty":      "",
		"exam scope": exam.Token,
		"garbage":    "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.RequestUnlockKey(ctx, bearer, "user@example.com", 0)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}

	h.clock.Advance(PreAccessTTL + time.Second)
	_, err = h.svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, h.mailer.sent)
	assert.Equal(t, 0, h.store.Len())
}

func TestRequestUnlockKey_TTLClamp(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		opts []Option
		ttl  time.Duration
		want time.Duration
	}{
		{name: "default", ttl: 0, want: 120 * time.Minute},
		{name: "below minimum", ttl: time.Minute, want: 5 * time.Minute},
		{name: "negative", ttl: -time.Hour, want: 5 * time.Minute},
		{name: "above maximum", ttl: 48 * time.Hour, want: 24 * time.Hour},
		{name: "in range", ttl: 45 * time.Minute, want: 45 * time.Minute},
		{name: "configured default", opts: []Option{WithDefaultUnlockTTL(15 * time.Minute)}, want: 15 * time.Minute},
		{name: "configured default clamped", opts: []Option{WithDefaultUnlockTTL(time.Second)}, want: 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts...)
			pre, err := h.svc.MintPreAccess(ctx)
			require.NoError(t, err)
			issued, err := h.svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", tt.ttl)
			require.NoError(t, err)
			assert.Equal(t, h.clock.Now().Add(tt.want), issued.ExpiresAt)
		})
	}
}

func TestRequestUnlockKey_InvalidRecipient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)

	_, err = h.svc.RequestUnlockKey(ctx, pre.Token, "nobody", 0)
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.Equal(t, 0, h.store.Len())
}

func TestRequestUnlockKey_MailerFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mailer.err = errors.New("smtp down")
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)

	_, err = h.svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", 0)
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	require.Len(t, h.codes, 1)
	_, err = h.store.Get(ctx, util.SHA256Hex(h.codes[0]))
	assert.NoError(t, err, "record stays valid after a delivery failure")
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, err := New(failingStore{}, &fakeMailer{}, testKey(t))
	require.NoError(t, err)

	_, err = svc.VerifyPreAccess(ctx, "ABC123")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = svc.RedeemUnlockKey(ctx, "ABC123")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = svc.ProvisionCode(ctx, "ABC123", 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	pre, err := svc.MintPreAccess(ctx)
	require.NoError(t, err)
	_, err = svc.RequestUnlockKey(ctx, pre.Token, "user@example.com", 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pre, err := h.svc.MintPreAccess(ctx)
	require.NoError(t, err)
	exam, err := h.svc.mint(token.ScopeExam, UnlockTTL)
	require.NoError(t, err)

	_, err = h.svc.VerifyUnlock(pre.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	claims, err := h.svc.VerifyUnlock(exam.Token)
	require.NoError(t, err)
	assert.Equal(t, token.ScopeExam, claims.Scope())

	_, err = h.svc.RequestUnlockKey(ctx, exam.Token, "user@example.com", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.VerifyPreAccess(ctx, exam.Token)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVerifyUnlock_Expired(t *testing.T) {
	h := newHarness(t)
	exam, err := h.svc.mint(token.ScopeExam, UnlockTTL)
	require.NoError(t, err)

	h.clock.Advance(UnlockTTL)
	_, err = h.svc.VerifyUnlock(exam.Token)
	assert.NoError(t, err, "token is valid at exactly its expiry")

	h.clock.Advance(time.Second)
	_, err = h.svc.VerifyUnlock(exam.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestProvisionCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p, err := h.svc.ProvisionCode(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, p.Code, generatedCodeLength)
	assert.Equal(t, util.SHA256Hex(p.Code), p.KeyHash)
	assert.Equal(t, h.clock.Now().Add(DefaultCodeTTL), p.ExpiresAt)

	_, err = h.svc.VerifyPreAccess(ctx, p.Code)
	assert.NoError(t, err)

	p, err = h.svc.ProvisionCode(ctx, "x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "X", p.Code)
	assert.Equal(t, h.clock.Now().Add(MinCodeTTL), p.ExpiresAt)

	p, err = h.svc.ProvisionCode(ctx, "y", 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(MaxCodeTTL), p.ExpiresAt)

	_, err = h.svc.ProvisionCode(ctx, "a.b.c", 0)
	assert.ErrorIs(t, err, ErrInvalidCode)
}
