// Package webhook authenticates and answers interaction webhooks from a chat
// platform that signs each request with Ed25519.
package webhook

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Request headers carrying the platform signature.
const (
	HeaderSignature = "X-Signature-Ed25519"
	HeaderTimestamp = "X-Signature-Timestamp"
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature headers")
	ErrInvalidSignature = errors.New("webhook: invalid Ed25519 signature")
	ErrStaleTimestamp   = errors.New("webhook: timestamp outside allowed skew")
	ErrInvalidPublicKey = errors.New("webhook: invalid Ed25519 public key")
)

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Verify reports whether signatureHex is a valid Ed25519 signature by
// publicKey over timestamp followed by body.
func Verify(timestamp string, body []byte, signatureHex string, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(publicKey, msg, sig)
}

// Verifier checks request signatures against one configured key.
type Verifier struct {
	publicKey ed25519.PublicKey
	bypass    bool
	maxSkew   time.Duration
	now       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithBypass disables signature checks. Development only; configuration
// validation refuses it in production.
func WithBypass(bypass bool) VerifierOption {
	return func(v *Verifier) {
		v.bypass = bypass
	}
}

// WithMaxSkew rejects requests whose timestamp header, read as Unix
// seconds, is further than d from the current time. Zero disables the check.
func WithMaxSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.maxSkew = d
	}
}

// WithClock overrides the time source used for the skew check.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier returns a Verifier for publicKey. A nil key is only accepted
// together with WithBypass(true).
func NewVerifier(publicKey ed25519.PublicKey, opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{publicKey: publicKey, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	if !v.bypass && len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return v, nil
}

// Bypassed reports whether signature checks are disabled.
func (v *Verifier) Bypassed() bool {
	return v.bypass
}

// Check verifies one request.
func (v *Verifier) Check(timestamp string, body []byte, signatureHex string) error {
	if v.bypass {
		return nil
	}
	if timestamp == "" || signatureHex == "" {
		return ErrMissingSignature
	}
	if !Verify(timestamp, body, signatureHex, v.publicKey) {
		return ErrInvalidSignature
	}
	if v.maxSkew > 0 {
		secs, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return ErrStaleTimestamp
		}
		skew := v.now().Sub(time.Unix(secs, 0))
		if skew < -v.maxSkew || skew > v.maxSkew {
			return ErrStaleTimestamp
		}
	}
	return nil
}
