package api

// AccessKeyRequest is the JSON body for POST /access/pre and
// POST /access/unlock. Key is a plaintext code or, for /access/pre only, a
// pre-access token.
type AccessKeyRequest struct {
	Key string `json:"key"`
}

// TokenResponse is returned when a transition issues a token.
type TokenResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
}

// UnlockKeyRequest is the JSON body for POST /access/key.
type UnlockKeyRequest struct {
	Recipient  string `json:"recipient"`
	TTLMinutes *int   `json:"ttlMinutes,omitempty"`
}

// UnlockKeyResponse is returned from POST /access/key. ExpiresAt is in Unix
// milliseconds, matching the stored record.
type UnlockKeyResponse struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expiresAt"`
}

// StatusResponse is returned from GET /access/status.
type StatusResponse struct {
	OK    bool   `json:"ok"`
	Scope string `json:"scope"`
	Exp   int64  `json:"exp"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
