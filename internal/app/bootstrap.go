// Package app assembles the service: configuration, database, token codec,
// rate limiting, authentication, authorization, and the HTTP route table.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"recordkeeper/internal/auth"
	"recordkeeper/internal/authz"
	"recordkeeper/internal/db"
	"recordkeeper/internal/maintenance"
	"recordkeeper/internal/observability"
	"recordkeeper/internal/ratelimit"
	"recordkeeper/internal/record"
	"recordkeeper/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger(observability.ParseLevel(envOrDefault("LOG_LEVEL", "info")))

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET_BASE64")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	codec, err := token.NewCodec(jwtSecret, envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	authRepo := auth.NewRepository(database)
	loginGuard := auth.NewLoginGuard(
		authRepo,
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
	)
	authService := auth.NewService(
		authRepo,
		authRepo,
		loginGuard,
		codec,
		envDaysOrDefault("REFRESH_TOKEN_TTL_DAYS", 7),
	)
	authHandler := auth.NewHandler(authService)

	if username := strings.TrimSpace(os.Getenv("ADMIN_USERNAME")); username != "" {
		err := authRepo.EnsureAdmin(
			context.Background(),
			username,
			envOrDefault("ADMIN_NAME", "Administrator"),
			os.Getenv("ADMIN_EMAIL"),
			os.Getenv("ADMIN_PASSWORD"),
		)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	recordRepo := record.NewRepository(database)
	guard := authz.NewGuard(recordRepo)
	recordHandler := record.NewHandler(recordRepo, guard)

	roleService := authz.NewService(authz.NewRepository(database))
	roleHandler := authz.NewHandler(roleService, envBoolOrDefault("ALLOW_ADMIN_SELF_REVOKE", false))

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	limiter, closeRedis, err := buildRateLimiter(logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	// Auth endpoints are not skipped: the authenticator passes through when
	// no usable token is present, and logout needs the principal bound.
	authenticator := auth.NewAuthenticator(codec, authRepo, []string{"/health", "/internal/"})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/auth/refresh", authHandler.Refresh)
	mux.Handle("POST /api/auth/logout", auth.RequirePrincipal(http.HandlerFunc(authHandler.Logout)))

	mux.Handle("GET /api/user/profile", auth.RequirePrincipal(http.HandlerFunc(authHandler.Profile)))
	mux.Handle("PUT /api/user/change-password", auth.RequirePrincipal(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("GET /api/user/admins", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(roleHandler.ListAdmins)))
	mux.Handle("PUT /api/user/{username}/grant-admin", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(roleHandler.GrantAdmin)))
	mux.Handle("DELETE /api/user/{username}/revoke-admin", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(roleHandler.RevokeAdmin)))
	mux.Handle("GET /api/admin/role-audit", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(roleHandler.Audit)))

	mux.Handle("GET /api/records", auth.RequirePrincipal(http.HandlerFunc(recordHandler.ListRecords)))
	mux.Handle("POST /api/records", auth.RequirePrincipal(http.HandlerFunc(recordHandler.CreateRecord)))
	mux.Handle("GET /api/records/review", auth.RequirePrincipal(http.HandlerFunc(recordHandler.ReviewQueue)))
	mux.Handle("GET /api/records/{id}", auth.RequirePrincipal(http.HandlerFunc(recordHandler.GetRecord)))
	mux.Handle("PUT /api/records/{id}", auth.RequirePrincipal(http.HandlerFunc(recordHandler.UpdateRecord)))
	mux.Handle("PUT /api/records/{id}/status", auth.RequirePrincipal(http.HandlerFunc(recordHandler.SetStatus)))
	mux.Handle("DELETE /api/records/{id}", auth.RequirePrincipal(http.HandlerFunc(recordHandler.DeleteRecord)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.Recover(logger,
		observability.RequestLogging(logger,
			limiter.Wrap(
				authenticator.Middleware(mux))))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if closeRedis != nil {
				_ = closeRedis()
			}
			return database.Close()
		},
	}, nil
}

// buildRateLimiter picks the counter backend. With REDIS_URL set the
// distributed counter is primary and the in-process counter only takes
// over while Redis is unreachable; without it the local counter stands
// alone.
func buildRateLimiter(logger *observability.Logger) (*ratelimit.Middleware, func() error, error) {
	limit := envIntOrDefault("RATE_LIMIT_MAX_REQUESTS", ratelimit.DefaultLimit)
	windowSeconds := envIntOrDefault("RATE_LIMIT_WINDOW_SECONDS", ratelimit.DefaultWindowSeconds)
	bypass := splitList(envOrDefault("RATE_LIMIT_BYPASS_PREFIXES", "/api/auth/,/docs/,/health"))

	local := ratelimit.NewLocalCounter(limit, windowSeconds)

	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		return ratelimit.NewMiddleware(local, nil, windowSeconds, bypass, logger), nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	primary := ratelimit.NewRedisCounter(client, limit, windowSeconds)

	return ratelimit.NewMiddleware(primary, local, windowSeconds, bypass, logger), client.Close, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
