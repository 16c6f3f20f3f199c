package bootstrap

import (
	"strings"
	"time"

	"archiver_server/adapter/in/http"
	"archiver_server/config"
	"archiver_server/infra/database"
	"archiver_server/infra/middleware"
	"archiver_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the HTTP server with its own dependencies. Async archive
// requests need Redis in this mode since no pool runs in the process.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}
	return NewAPIWithDeps(deps, nil), cleanup, nil
}

// NewAPIWithDeps builds the HTTP server. w, when non-nil, is the in-process
// worker and its pool stats are reported on /metrics.
func NewAPIWithDeps(deps *Dependencies, w *Worker) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		// go-json: 표준 encoding/json 대비 2~3배 빠른 JSON 직렬화
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// Body 제한 (메모리 보호)
		BodyLimit: 1 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())         // 1. Panic recovery
	app.Use(middleware.RequestID())       // 2. Request ID
	app.Use(middleware.SecurityHeaders()) // 3. Security headers
	app.Use(middleware.RequestLogger())   // 4. Request logging

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// AllowCredentials:true requires explicit origins (not "*")
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.Registry)
	if deps.Redis != nil {
		healthHandler.WithStats("redis_pool", func() any { return database.GetRedisStats(deps.Redis) })
	}
	if w != nil {
		healthHandler.WithStats("worker_pool", func() any { return w.GetMetrics() })
	}
	healthHandler.Register(app)

	// OAuth login (no auth required - Google redirects here)
	oauthHandler := http.NewOAuthHandler(deps.OAuthService, deps.States, deps.Sessions, cfg.FrontendURL, cfg.IsProduction())
	oauthHandler.Register(app)

	// API routes (session required)
	api := app.Group("/api/v1", deps.Sessions.RequireSession())
	api.Post("/logout", oauthHandler.Logout)

	archiveLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	invoiceHandler := http.NewInvoiceHandler(deps.InvoiceService, deps.Users, deps.Publisher, deps.Statuses).
		WithTimeout(cfg.ArchiveTimeout)
	invoiceHandler.Register(api, archiveLimiter.Handler())

	if deps.Publisher == nil {
		logger.Warn("No job queue available, async archive requests will be rejected")
	}
	logger.Info("API server initialized successfully")

	return app
}
