package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditPreAccessGranted   AuditEvent = "pre_access_granted"
	AuditPreAccessFailure   AuditEvent = "pre_access_failure"
	AuditUnlockKeyRequested AuditEvent = "unlock_key_requested"
	AuditUnlockKeyFailure   AuditEvent = "unlock_key_failure"
	AuditUnlockGranted      AuditEvent = "unlock_granted"
	AuditUnlockFailure      AuditEvent = "unlock_failure"
	AuditCodeRateLimited    AuditEvent = "code_rate_limited"
	AuditStatusRejected     AuditEvent = "status_rejected"
	AuditWebhookRejected    AuditEvent = "webhook_rejected"
	AuditWebhookTokenMinted AuditEvent = "webhook_token_minted"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Codes and tokens are never logged.
type auditLogger struct {
	logger   *slog.Logger
	metrics  *metricsCollector
	clientIP func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if al.clientIP != nil {
		baseAttrs = append(baseAttrs, slog.String("client_ip", al.clientIP(r)))
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
