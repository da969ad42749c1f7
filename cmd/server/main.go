package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/db"
	"github.com/masroof-app/masroof-api/internal/httpapi"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/storage/memory"
	"github.com/masroof-app/masroof-api/internal/storage/postgres"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", k).Str("value", v).Msg("ignoring non-numeric env value")
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "masroof-api").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Storage: postgres when DATABASE_URL is set, in-memory otherwise.
	var store storage.Store
	if pgURL := env("DATABASE_URL", ""); pgURL != "" {
		pool, err := db.Open(ctx, pgURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		pg := postgres.New(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure schema")
		}
		store = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store (data is lost on restart)")
		store = memory.New()
	}

	engine := syncengine.New(store, syncx.NewWalletClock(), env("DEFAULT_BASE_CURRENCY", "SAR"))

	rateCfg := httpapi.RateLimitInfo{
		MaxRequests:   envInt("RATE_LIMIT_MAX", 60),
		WindowSeconds: envInt("RATE_LIMIT_WINDOW_SECONDS", 600),
	}

	// Rate limiting: Redis fixed window when REDIS_URL is set, so a
	// fleet shares one budget per device; in-process buckets otherwise.
	var limiter httpapi.Limiter
	if redisURL := env("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()

		limiter = httpapi.NewRedisLimiter(client, rateCfg)
		log.Info().Str("addr", opts.Addr).Msg("redis rate limiter enabled")
	}

	srv := &httpapi.Server{
		Engine:          engine,
		Limiter:         limiter,
		RateLimitConfig: rateCfg,
		Version:         version,
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     env("AUTH_DEV_MODE", "") == "1",
	}

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Str("version", version).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
