package middleware

import (
	"net/http"
	"time"

	"github.com/better-wallet/share-custody/internal/logger"
)

// AccessLog logs one line per request. Bodies are never logged since they
// carry passwords and shares.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		log := logger.FromContext(r.Context())
		log.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", getIP(r),
		)
		log.Debug("request headers", "headers", RedactHeaders(r.Header))
	})
}
