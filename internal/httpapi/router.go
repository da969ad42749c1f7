// Package httpapi exposes the sync engine over HTTP: the push/pull
// protocol, the management endpoints, and the middleware stack
// (auth, request logging, rate limiting).
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Engine *syncengine.Engine

	// Limiter overrides the default in-process token buckets; the
	// Redis-backed limiter plugs in here when REDIS_URL is set.
	Limiter         Limiter
	RateLimitConfig RateLimitInfo

	// Version is reported by /healthz, set at build time.
	Version string
}

func (s *Server) rateLimitConfig() RateLimitInfo {
	return s.RateLimitConfig.withDefaults()
}

func (s *Server) limiter() Limiter {
	if s.Limiter != nil {
		return s.Limiter
	}
	return NewRateLimiter(s.rateLimitConfig())
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all API endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	// Liveness and capability discovery (unauthenticated)
	r.Get("/healthz", s.Health)
	r.Get("/api/v1/sync/info", s.Info)

	// Everything else requires authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(IdentityLogger)

		// Sync endpoints carry the per-device rate limit
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(s.limiter(), s.rateLimitConfig()))

			r.Post("/api/v1/sync/push", s.Push)
			r.Get("/api/v1/sync/pull", s.Pull)
			r.Post("/api/v1/sync/pull", s.Pull)
		})

		// Devices, wallets, settings
		r.Get("/api/v1/devices", s.ListDevices)
		r.Post("/api/v1/devices/revoke", s.RevokeDevice)
		r.Get("/api/v1/wallets", s.ListWallets)
		r.Put("/api/v1/settings", s.PutSettings)

		// Allocation engine and fx seeding
		r.Post("/api/v1/allocations/manual", s.ManualAllocations)
		r.Post("/api/v1/allocations/rebuild", s.RebuildAllocations)
		r.Post("/api/v1/fx/seed-defaults", s.SeedFxDefaults)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Health handles GET /healthz.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	version := s.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"server_time": syncx.FormatTime(time.Now()),
		"version":     version,
	})
}
