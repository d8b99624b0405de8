// Package token implements the compact HMAC-SHA256 signed token format used
// for pre-access and unlock credentials.
//
// A token is three base64url (unpadded) segments joined by dots:
//
//	base64url(header-json) "." base64url(payload-json) "." base64url(HMAC-SHA256)
//
// The header is fixed to {"alg":"HS256","typ":"JWT"}, so the output is a
// valid JWS compact serialisation that any JWT library can verify with the
// same secret. Tokens are stateless: nothing is recorded server-side and
// expiry is the only invalidation mechanism.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Algorithm is the only signing algorithm issued or accepted.
	Algorithm = "HS256"
	// Type is the header type tag.
	Type = "JWT"
)

// Errors returned by Verify and VerifyAt.
var (
	ErrInvalidToken = errors.New("token: invalid token")
	ErrExpiredToken = errors.New("token: token has expired")
)

var encoding = base64.RawURLEncoding

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Sign mints a token carrying claims plus iat/exp, expiring ttl from now.
// It returns the token and its expiry as Unix seconds.
func Sign(claims Claims, secret []byte, ttl time.Duration) (string, int64, error) {
	return SignAt(claims, secret, ttl, time.Now())
}

// SignAt is like Sign but takes the issuing time explicitly. This supports
// deterministic testing.
func SignAt(claims Claims, secret []byte, ttl time.Duration, now time.Time) (string, int64, error) {
	issuedAt := now.Unix()
	expiresAt := issuedAt + int64(ttl/time.Second)

	payload := make(Claims, len(claims)+2)
	for k, v := range claims {
		payload[k] = v
	}
	payload[ClaimIssuedAt] = issuedAt
	payload[ClaimExpiresAt] = expiresAt

	headerJSON, err := json.Marshal(header{Alg: Algorithm, Typ: Type})
	if err != nil {
		return "", 0, fmt.Errorf("token: encoding header: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("token: encoding payload: %w", err)
	}

	signingInput := encoding.EncodeToString(headerJSON) + "." + encoding.EncodeToString(payloadJSON)
	return signingInput + "." + signature(signingInput, secret), expiresAt, nil
}

// Verify checks the signature and expiry of tok and returns its claims.
func Verify(tok string, secret []byte) (Claims, error) {
	return VerifyAt(tok, secret, time.Now())
}

// VerifyAt is like Verify but checks expiry against now.
//
// Failures are reported as ErrInvalidToken (wrong shape, signature mismatch,
// unreadable header or payload) or ErrExpiredToken (valid signature, now past
// exp). The cause of a signature failure is never distinguished further.
func VerifyAt(tok string, secret []byte, now time.Time) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrInvalidToken
	}

	expected := signature(parts[0]+"."+parts[1], secret)
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, ErrInvalidToken
	}

	var h header
	if err := decodeSegment(parts[0], &h); err != nil || h.Alg != Algorithm {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil || claims == nil {
		return nil, ErrInvalidToken
	}

	if exp, ok := claims.ExpiresAt(); ok && now.Unix() > exp {
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// Decode returns the payload of tok without checking its signature or
// expiry. The result is informational only and must never be trusted.
func Decode(tok string) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// LooksLikeToken reports whether s has the three-segment dotted shape of a
// token. It performs no validation.
func LooksLikeToken(s string) bool {
	return strings.Count(s, ".") == 2
}

func signature(signingInput string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	return encoding.EncodeToString(mac.Sum(nil))
}

func decodeSegment(seg string, v any) error {
	raw, err := encoding.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
