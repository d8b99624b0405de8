package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/examgate/gate"
	"github.com/jmcleod/examgate/token"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{OK: false, Error: msg})
}

// statusFor maps a protocol error to its HTTP status and public message.
// Messages are fixed strings so that the reason a credential failed is
// never revealed beyond its kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, gate.ErrExpiredKey):
		return http.StatusGone, "key has expired"
	case errors.Is(err, gate.ErrInvalidKey):
		return http.StatusUnauthorized, "invalid key"
	case errors.Is(err, gate.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, token.ErrExpiredToken):
		return http.StatusUnauthorized, "token has expired"
	case errors.Is(err, token.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, gate.ErrInvalidRecipient):
		return http.StatusBadRequest, "invalid recipient"
	case errors.Is(err, gate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "key store unavailable; try again"
	case errors.Is(err, gate.ErrDeliveryFailed):
		return http.StatusBadGateway, "unlock code could not be delivered"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func mapError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeError(w, status, msg)
}
