package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeCode canonicalises a user-typed one-time code: surrounding
// whitespace is dropped, compatibility forms are folded (full-width digits
// become ASCII) and letters are upper-cased.
func NormalizeCode(s string) string {
	// Casers keep state and must not be shared between goroutines.
	return cases.Upper(language.Und).String(norm.NFKC.String(strings.TrimSpace(s)))
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
