// Package secret holds the server-side HMAC signing secret.
//
// The secret is sealed in a memguard Enclave for the lifetime of the process
// and only decrypted into a locked buffer while a token is being signed or
// verified.
package secret

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/examgate/internal/util"
)

// MinLength is the minimum accepted secret length in bytes.
const MinLength = 32

// Base64Prefix marks a configured secret value as standard base64.
const Base64Prefix = "base64:"

var (
	ErrMissing   = errors.New("token secret is not configured")
	ErrTooShort  = fmt.Errorf("token secret must be at least %d bytes", MinLength)
	ErrDestroyed = errors.New("token secret has been destroyed")
)

// Key is a sealed HMAC secret. The zero value is not usable; build one with
// New or Parse.
type Key struct {
	enclave *memguard.Enclave
}

// New seals b into a Key. b is wiped once it has been copied.
func New(b []byte) (*Key, error) {
	if len(b) == 0 {
		return nil, ErrMissing
	}
	if len(b) < MinLength {
		util.WipeBytes(b)
		return nil, ErrTooShort
	}
	return &Key{enclave: memguard.NewEnclave(b)}, nil
}

// Parse builds a Key from a configuration value. Values starting with
// "base64:" are decoded; anything else is taken as raw bytes.
func Parse(value string) (*Key, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrMissing
	}
	if rest, ok := strings.CutPrefix(value, Base64Prefix); ok {
		b, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 token secret: %w", err)
		}
		return New(b)
	}
	return New([]byte(value))
}

// Generate returns a fresh random secret encoded as a configuration value.
func Generate() (string, error) {
	b, err := util.RandomBytes(MinLength)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(b)
	return Base64Prefix + base64.StdEncoding.EncodeToString(b), nil
}

// Use opens the enclave and calls fn with the plaintext secret. The buffer
// is destroyed when fn returns; fn must not retain it.
func (k *Key) Use(fn func(secret []byte) error) error {
	if k == nil || k.enclave == nil {
		return ErrDestroyed
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Destroy drops the reference to the enclave. After calling Destroy the Key
// must not be reused.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.enclave = nil
}
