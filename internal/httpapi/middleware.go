package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/auth"
)

// RequestLogger binds a request id into the request-scoped logger so a
// device's retries can be traced across server logs. Clients may send
// X-Request-ID; the server mints one otherwise and echoes it back
// either way.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)

		logger := log.With().Str("request_id", reqID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

// IdentityLogger extends the request logger with the authenticated
// user and device. It must run after auth.Middleware.
func IdentityLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id, ok := auth.FromContext(ctx); ok {
			logctx := log.Ctx(ctx).With().Str("user", id.UserID)
			if id.DeviceID != "" {
				logctx = logctx.Str("device", id.DeviceID)
			}
			logger := logctx.Logger()
			ctx = logger.WithContext(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
