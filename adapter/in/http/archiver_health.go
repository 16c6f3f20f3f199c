package http

import (
	"context"
	"time"

	"archiver_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type HealthHandler struct {
	db       *sqlx.DB
	redis    *redis.Client
	registry *metrics.Registry
	// extra sections of /metrics, e.g. the in-process worker pool
	stats map[string]func() any
}

func NewHealthHandler(db *sqlx.DB, redis *redis.Client, registry *metrics.Registry) *HealthHandler {
	if registry == nil {
		registry = metrics.Global()
	}
	return &HealthHandler{
		db:       db,
		redis:    redis,
		registry: registry,
		stats:    make(map[string]func() any),
	}
}

// WithStats adds a named section to /metrics.
func (h *HealthHandler) WithStats(name string, fn func() any) *HealthHandler {
	h.stats[name] = fn
	return h
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", h.Metrics)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "not configured"
		allHealthy = false
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	out := fiber.Map{
		"external_calls": h.registry.AllStats(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if h.db != nil {
		out["db_pool"] = metrics.GetDBPoolStats(h.db.DB)
	}
	for name, fn := range h.stats {
		out[name] = fn()
	}
	return c.JSON(out)
}
