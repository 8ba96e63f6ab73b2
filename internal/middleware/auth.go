package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// RequireCronSecret guards scheduler-facing endpoints. The secret is accepted as
// a bearer token or as the "key" query parameter, which is what hosted cron
// services can send. An empty secret rejects every request.
func RequireCronSecret(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			slog.ErrorContext(r.Context(), "CRON_SECRET is not configured, rejecting trigger")
			writeAuthError(w, r, "CONFIG_ERROR", "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if got == "" {
			got = r.URL.Query().Get("key")
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeAuthError(w, r, "UNAUTHORIZED", "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": GetCorrelationID(r.Context()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
