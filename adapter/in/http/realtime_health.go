package http

import (
	"context"
	"time"

	"realtime_server/infra/database"
	"realtime_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// BusChecker reports whether the fan-out broker link is up.
type BusChecker interface {
	Connected() bool
}

// BreakerChecker reports a circuit breaker state.
type BreakerChecker interface {
	State() string
}

type HealthDeps struct {
	DB          *pgxpool.Pool
	Redis       *redis.Client
	Bus         BusChecker
	Queue       BreakerChecker
	Connections func() int
	Gatherer    prometheus.Gatherer
}

type HealthHandler struct {
	deps HealthDeps
}

func NewHealthHandler(deps HealthDeps) *HealthHandler {
	return &HealthHandler{deps: deps}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	if h.deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.deps.Connections != nil {
		body["connections"] = h.deps.Connections()
	}
	return c.JSON(body)
}

// Ready fails when the fan-out broker is unreachable. A degraded offline
// queue or pool is reported but does not take the node out of rotation.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]any)
	allHealthy := true

	if h.deps.DB != nil {
		if err := h.deps.DB.Ping(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			stats := metrics.PgxPoolStats(h.deps.DB)
			checks["postgres"] = fiber.Map{
				"status": "healthy",
				"pool":   metrics.AssessPoolHealth(stats),
				"stats":  stats.ToMap(),
			}
		}
	} else {
		checks["postgres"] = "not configured"
	}

	if h.deps.Redis != nil {
		if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = fiber.Map{
				"status": "healthy",
				"pool":   database.GetRedisStats(h.deps.Redis),
			}
		}
	} else {
		checks["redis"] = "not configured"
	}

	if h.deps.Bus != nil {
		if h.deps.Bus.Connected() {
			checks["bus"] = "connected"
		} else {
			checks["bus"] = "disconnected"
			allHealthy = false
		}
	}

	if h.deps.Queue != nil {
		checks["offline_queue"] = h.deps.Queue.State()
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
