package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/examgate/gate"
)

const maxRequestBody = 16 << 10

// PreAccess handles POST /access/pre.
func (a *API) PreAccess(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if a.rateLimited(w, r, ip) {
		return
	}

	var req AccessKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	grant, err := a.gate.VerifyPreAccess(r.Context(), req.Key)
	if err != nil {
		a.recordFailure(AuditPreAccessFailure, r, ip, err)
		mapError(w, r, err)
		return
	}

	a.ipLimiter.recordSuccess(ip)
	a.audit.log(AuditPreAccessGranted, r)
	writeJSON(w, http.StatusOK, TokenResponse{OK: true, Token: grant.Token, Exp: grant.ExpiresAt})
}

// RequestUnlockKey handles POST /access/key.
func (a *API) RequestUnlockKey(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if a.rateLimited(w, r, ip) {
		return
	}

	bearer, ok := bearerToken(r)
	if !ok {
		a.recordFailure(AuditUnlockKeyFailure, r, ip, gate.ErrUnauthorized)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnlockKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	issued, err := a.gate.RequestUnlockKey(r.Context(), bearer, req.Recipient, requestedTTL(req.TTLMinutes))
	if err != nil {
		a.recordFailure(AuditUnlockKeyFailure, r, ip, err)
		mapError(w, r, err)
		return
	}

	a.audit.log(AuditUnlockKeyRequested, r,
		slog.String("message_id", issued.ID),
		slog.Time("expires_at", issued.ExpiresAt),
	)
	writeJSON(w, http.StatusOK, UnlockKeyResponse{
		OK:        true,
		ID:        issued.ID,
		ExpiresAt: issued.ExpiresAt.UnixMilli(),
	})
}

// Unlock handles POST /access/unlock.
func (a *API) Unlock(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if a.rateLimited(w, r, ip) {
		return
	}

	var req AccessKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	grant, err := a.gate.RedeemUnlockKey(r.Context(), req.Key)
	if err != nil {
		a.recordFailure(AuditUnlockFailure, r, ip, err)
		mapError(w, r, err)
		return
	}

	a.ipLimiter.recordSuccess(ip)
	a.audit.log(AuditUnlockGranted, r)
	writeJSON(w, http.StatusOK, TokenResponse{OK: true, Token: grant.Token, Exp: grant.ExpiresAt})
}

// Status handles GET /access/status. It reports whether the bearer holds a
// valid unlock token.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	claims, err := a.gate.VerifyUnlock(bearer)
	if err != nil {
		a.audit.logFailure(AuditStatusRejected, r, "invalid unlock token")
		mapError(w, r, err)
		return
	}
	exp, _ := claims.ExpiresAt()
	writeJSON(w, http.StatusOK, StatusResponse{OK: true, Scope: claims.Scope(), Exp: exp})
}

// rateLimited writes a 429 and returns true when ip or the service as a
// whole is locked out.
func (a *API) rateLimited(w http.ResponseWriter, r *http.Request, ip string) bool {
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditCodeRateLimited, r, "global")
		writeRateLimited(w, retryAfter)
		return true
	}
	if blocked, retryAfter := a.ipLimiter.check(ip); blocked {
		a.audit.logFailure(AuditCodeRateLimited, r, "ip")
		writeRateLimited(w, retryAfter)
		return true
	}
	return false
}

// recordFailure audits a failed transition. Credential failures count
// toward rate limiting; infrastructure failures do not.
func (a *API) recordFailure(event AuditEvent, r *http.Request, ip string, err error) {
	status, reason := statusFor(err)
	a.audit.logFailure(event, r, reason, slog.Int("status", status))
	if errors.Is(err, gate.ErrInvalidKey) || errors.Is(err, gate.ErrExpiredKey) || errors.Is(err, gate.ErrUnauthorized) {
		a.ipLimiter.recordFailure(ip)
		a.globalLimiter.recordFailure()
	}
}

// requestedTTL converts ttlMinutes to a duration without overflowing.
// Absent or zero selects the default; the gate clamps everything else.
func requestedTTL(minutes *int) time.Duration {
	if minutes == nil {
		return 0
	}
	limit := int(gate.MaxUnlockKeyTTL / time.Minute)
	return time.Duration(min(max(*minutes, -limit), limit)) * time.Minute
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
