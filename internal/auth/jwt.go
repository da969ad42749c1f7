package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxIdentity ctxKey = "identity"

// Identity is the authenticated caller: the token subject plus the
// device the token was issued to.
type Identity struct {
	UserID string
	// DeviceID is the did claim. The sync endpoints reject requests
	// whose device_id parameter does not match it.
	DeviceID string
}

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// Middleware creates HTTP middleware for JWT authentication
// Supports two modes:
// 1. Production: Bearer token with JWT validation (sub and did claims)
// 2. Development: X-Debug-Sub / X-Debug-Device headers (ONLY when DevMode=true)
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	// Log warning if dev mode is enabled
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract token from Authorization header
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
				tok = h[7:]
			}

			var id Identity

			// Development mode: accept X-Debug-Sub ONLY if DevMode is enabled and no token present
			if cfg.DevMode && tok == "" {
				id.UserID = r.Header.Get("X-Debug-Sub")
				id.DeviceID = r.Header.Get("X-Debug-Device")
				if id.UserID != "" {
					log.Debug().Str("sub", id.UserID).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			// Validate JWT token if present
			if tok != "" {
				sub, did, err := ValidateToken(tok, cfg)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					writeUnauthorized(w)
					return
				}
				id.UserID, id.DeviceID = sub, did
			}

			// Require subject (either from JWT or debug header)
			if id.UserID == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// ValidateToken parses and verifies an HS256 bearer token and returns
// its sub and did claims. The did claim is optional.
func ValidateToken(tok string, cfg JWTCfg) (sub, did string, err error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		// Verify signing method
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.HS256Secret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !t.Valid {
		return "", "", jwt.ErrTokenSignatureInvalid
	}

	sub, _ = claims["sub"].(string)
	if sub == "" {
		return "", "", errors.New("missing or invalid sub claim")
	}
	did, _ = claims["did"].(string)
	return sub, did, nil
}

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// FromContext extracts the authenticated identity from request context.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(Identity)
	return id, ok
}

// UserID extracts the authenticated user ID from request context
// Returns empty string if not authenticated (should never happen after middleware)
func UserID(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id.UserID
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"auth_failed","message":"unauthorized"}`))
}
