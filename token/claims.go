package token

import (
	"encoding/json"
	"math"
)

// Reserved claim names. They follow the registered JWT claim names so that
// clients decoding the payload locally can read the expiry.
const (
	ClaimIssuedAt  = "iat"
	ClaimExpiresAt = "exp"
	ClaimScope     = "scope"
)

// Scopes issued by the access protocol.
const (
	ScopePre  = "pre"
	ScopeExam = "exam"
)

// Claims is the open payload map of a token.
type Claims map[string]any

// Scope returns the scope claim, or "" when absent or not a string.
func (c Claims) Scope() string {
	s, _ := c[ClaimScope].(string)
	return s
}

// ExpiresAt returns the exp claim in Unix seconds.
func (c Claims) ExpiresAt() (int64, bool) {
	return c.numeric(ClaimExpiresAt)
}

// IssuedAt returns the iat claim in Unix seconds.
func (c Claims) IssuedAt() (int64, bool) {
	return c.numeric(ClaimIssuedAt)
}

func (c Claims) numeric(name string) (int64, bool) {
	switch v := c[name].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return int64(math.Floor(f)), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(math.Floor(v)), true
	default:
		return 0, false
	}
}
