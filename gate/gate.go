// Package gate implements the three-stage exam access protocol.
//
// A client moves from Locked to Unlocked by presenting, in turn:
//
//  1. an administrator-issued code (or a still-valid pre-access token),
//     which yields a 30 minute pre-access token;
//  2. the pre-access token and an email address, which causes a fresh
//     one-time code to be stored and mailed;
//  3. the mailed code, which yields a 6 hour unlock token.
//
// The service keeps no session state. Progress is carried entirely by the
// tokens the client holds and by the hashed one-time codes in the store.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/examgate/internal/util"
	"github.com/jmcleod/examgate/mail"
	"github.com/jmcleod/examgate/secret"
	"github.com/jmcleod/examgate/storage"
	"github.com/jmcleod/examgate/token"
)

const (
	// PreAccessTTL is the lifetime of a pre-access token.
	PreAccessTTL = 30 * time.Minute
	// UnlockTTL is the lifetime of an unlock token.
	UnlockTTL = 6 * time.Hour

	// DefaultUnlockKeyTTL is the lifetime of a mailed code when the caller
	// does not ask for one.
	DefaultUnlockKeyTTL = 120 * time.Minute
	MinUnlockKeyTTL     = 5 * time.Minute
	MaxUnlockKeyTTL     = 24 * time.Hour

	// DefaultCodeTTL is the lifetime of an administrator code.
	DefaultCodeTTL = 24 * time.Hour
	MinCodeTTL     = 1 * time.Minute
	MaxCodeTTL     = 30 * 24 * time.Hour

	// ExpiredKeyRetention keeps a record in the store past its expiry so
	// a late redemption is reported as ErrExpiredKey rather than
	// ErrInvalidKey.
	ExpiredKeyRetention = time.Hour

	generatedCodeLength = 10
)

// Grant is a token issued by a successful transition.
type Grant struct {
	Token     string
	Scope     string
	ExpiresAt int64 // Unix seconds
}

// IssuedKey describes a mailed one-time code. The plaintext never leaves
// the service except through the mailer.
type IssuedKey struct {
	ID        string // mailer message id
	KeyHash   string
	ExpiresAt time.Time
}

// ProvisionedCode is an administrator code returned once at creation.
type ProvisionedCode struct {
	Code      string
	KeyHash   string
	ExpiresAt time.Time
}

// Service runs the access protocol against a key store, a mailer and the
// server-held signing secret.
type Service struct {
	store    storage.Store
	consumer *storage.Consumer
	mailer   mail.Mailer
	key      *secret.Key

	now              func() time.Time
	defaultUnlockTTL time.Duration
	newCode          func() (string, error)
	logger           *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithDefaultUnlockTTL sets the mailed-code lifetime used when a request
// does not specify one. The value is clamped to the allowed range.
func WithDefaultUnlockTTL(d time.Duration) Option {
	return func(s *Service) {
		s.defaultUnlockTTL = clamp(d, MinUnlockKeyTTL, MaxUnlockKeyTTL)
	}
}

// WithCodeGenerator overrides how mailed one-time codes are generated.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		s.newCode = fn
	}
}

// WithLogger sets the logger used for protocol events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New builds a Service. The store's consume capability is fixed here.
func New(store storage.Store, mailer mail.Mailer, key *secret.Key, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("gate: key store is required")
	}
	if mailer == nil {
		return nil, errors.New("gate: mailer is required")
	}
	if key == nil {
		return nil, errors.New("gate: signing secret is required")
	}
	s := &Service{
		store:            store,
		consumer:         storage.NewConsumer(store),
		mailer:           mailer,
		key:              key,
		now:              time.Now,
		defaultUnlockTTL: DefaultUnlockKeyTTL,
		newCode:          newUnlockCode,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Atomicity reports whether code redemption is safe under concurrency for
// the configured store.
func (s *Service) Atomicity() storage.Atomicity {
	return s.consumer.Atomicity()
}

// VerifyPreAccess performs the Locked to PreAccessVerified transition. key
// is either a pre-access token, which is returned unchanged if it still
// verifies, or an administrator code, which is consumed.
func (s *Service) VerifyPreAccess(ctx context.Context, key string) (*Grant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidKey
	}

	if token.LooksLikeToken(key) {
		claims, err := s.verify(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		if claims.Scope() != token.ScopePre {
			return nil, ErrInvalidKey
		}
		exp, _ := claims.ExpiresAt()
		return &Grant{Token: key, Scope: token.ScopePre, ExpiresAt: exp}, nil
	}

	if err := s.redeem(ctx, key, "pre_access"); err != nil {
		return nil, err
	}
	return s.mint(token.ScopePre, PreAccessTTL)
}

// MintPreAccess issues a pre-access token without consuming a code. It is
// for callers that have authenticated the requester some other way, such
// as a signed webhook.
func (s *Service) MintPreAccess(ctx context.Context) (*Grant, error) {
	g, err := s.mint(token.ScopePre, PreAccessTTL)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "pre-access token minted without code")
	return g, nil
}

// RequestUnlockKey performs the PreAccessVerified to KeyRequested
// transition. A zero ttl selects the default; any other value is clamped.
//
// If the mailer fails the stored code is left in place and
// ErrDeliveryFailed is returned.
func (s *Service) RequestUnlockKey(ctx context.Context, bearer, recipient string, ttl time.Duration) (*IssuedKey, error) {
	claims, err := s.verify(strings.TrimSpace(bearer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Scope() != token.ScopePre {
		return nil, ErrUnauthorized
	}

	to, err := mail.NormalizeRecipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
	}

	if ttl == 0 {
		ttl = s.defaultUnlockTTL
	}
	ttl = clamp(ttl, MinUnlockKeyTTL, MaxUnlockKeyTTL)

	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("generating unlock code: %w", err)
	}
	hash := util.SHA256Hex(util.NormalizeCode(code))
	now := s.now()
	expiresAt := now.Add(ttl)
	if err := s.put(ctx, hash, now, expiresAt); err != nil {
		return nil, err
	}

	id, err := s.mailer.Send(ctx, mail.UnlockMessage(to, code, expiresAt))
	if err != nil {
		s.logger.WarnContext(ctx, "unlock code stored but not delivered",
			"key_hash", hashPrefix(hash),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	s.logger.InfoContext(ctx, "unlock code issued",
		"key_hash", hashPrefix(hash),
		"message_id", id,
		"ttl", ttl.String(),
	)
	return &IssuedKey{ID: id, KeyHash: hash, ExpiresAt: expiresAt}, nil
}

// RedeemUnlockKey performs the KeyRequested to Unlocked transition. With an
// atomic store at most one concurrent redemption of a code succeeds.
func (s *Service) RedeemUnlockKey(ctx context.Context, code string) (*Grant, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrInvalidKey
	}
	if err := s.redeem(ctx, code, "unlock"); err != nil {
		return nil, err
	}
	return s.mint(token.ScopeExam, UnlockTTL)
}

// VerifyUnlock checks an unlock token and returns its claims.
func (s *Service) VerifyUnlock(bearer string) (token.Claims, error) {
	claims, err := s.verify(strings.TrimSpace(bearer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Scope() != token.ScopeExam {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// ProvisionCode stores an administrator code. An empty code is replaced by
// a random one. A zero ttl selects DefaultCodeTTL; other values are clamped.
func (s *Service) ProvisionCode(ctx context.Context, code string, ttl time.Duration) (*ProvisionedCode, error) {
	if strings.TrimSpace(code) == "" {
		generated, err := util.RandomChars(generatedCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generating code: %w", err)
		}
		code = generated
	}
	code = util.NormalizeCode(code)
	if code == "" || token.LooksLikeToken(code) {
		return nil, ErrInvalidCode
	}

	if ttl == 0 {
		ttl = DefaultCodeTTL
	}
	ttl = clamp(ttl, MinCodeTTL, MaxCodeTTL)

	hash := util.SHA256Hex(code)
	now := s.now()
	expiresAt := now.Add(ttl)
	if err := s.put(ctx, hash, now, expiresAt); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "administrator code provisioned",
		"key_hash", hashPrefix(hash),
		"ttl", ttl.String(),
	)
	return &ProvisionedCode{Code: code, KeyHash: hash, ExpiresAt: expiresAt}, nil
}

// redeem consumes the record for code. Expired records are removed and
// reported as ErrExpiredKey.
func (s *Service) redeem(ctx context.Context, code, stage string) error {
	hash := util.SHA256Hex(util.NormalizeCode(code))
	rec, atomicity, err := s.consumer.Consume(ctx, hash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.logger.InfoContext(ctx, "code rejected",
			"stage", stage,
			"key_hash", hashPrefix(hash),
			"reason", "not_found",
		)
		return ErrInvalidKey
	case err != nil:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if rec.Expired(s.now()) {
		s.logger.InfoContext(ctx, "code rejected",
			"stage", stage,
			"key_hash", hashPrefix(hash),
			"reason", "expired",
		)
		return ErrExpiredKey
	}

	s.logger.InfoContext(ctx, "code consumed",
		"stage", stage,
		"key_hash", hashPrefix(hash),
		"atomicity", atomicity.String(),
	)
	return nil
}

func (s *Service) put(ctx context.Context, hash string, now, expiresAt time.Time) error {
	exp := expiresAt.UnixMilli()
	rec := &storage.Record{CreatedAt: now.UnixMilli(), ExpiresAt: &exp}
	if err := s.store.Set(ctx, hash, rec, expiresAt.Sub(now)+ExpiredKeyRetention); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Service) mint(scope string, ttl time.Duration) (*Grant, error) {
	var g Grant
	err := s.key.Use(func(secret []byte) error {
		tok, exp, err := token.SignAt(token.Claims{token.ClaimScope: scope}, secret, ttl, s.now())
		if err != nil {
			return err
		}
		g = Grant{Token: tok, Scope: scope, ExpiresAt: exp}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signing %s token: %w", scope, err)
	}
	return &g, nil
}

func (s *Service) verify(tok string) (token.Claims, error) {
	if tok == "" {
		return nil, token.ErrInvalidToken
	}
	var claims token.Claims
	err := s.key.Use(func(secret []byte) error {
		c, err := token.VerifyAt(tok, secret, s.now())
		claims = c
		return err
	})
	return claims, err
}

func newUnlockCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ToUpper(id.String()), nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}

// hashPrefix shortens a key hash for logs.
func hashPrefix(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
