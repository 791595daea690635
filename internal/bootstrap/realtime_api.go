package bootstrap

import (
	"strings"
	"time"

	"realtime_server/adapter/in/http"
	"realtime_server/infra/middleware"
	"realtime_server/pkg/logger"
	"realtime_server/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the fiber app serving the notification ingress, the SSE
// stream and the channel read API.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		AppName:      "Realtime Server",
		ErrorHandler: middleware.ErrorHandler(),
		// SSE streams stay open; only idle keep-alive sockets are reaped.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
		DisableDefaultDate:    true,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

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
		ExposeHeaders:    "X-Request-ID,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	health := http.NewHealthHandler(healthDeps(deps))
	health.Register(app)

	limiter := ratelimit.NewKeyedLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.APIRate,
		BurstSize:         cfg.APIBurst,
	})

	api := app.Group("/api/v1")

	sse := http.NewSSEHandler(deps.Hub, cfg.SSEHeartbeat, logger.Component("http"))
	sse.Register(api, middleware.StreamAuth(deps.Resolver), middleware.RateLimit(limiter))

	service := []fiber.Handler{middleware.ServiceAuth(deps.Resolver), middleware.RateLimit(limiter)}

	notifications := http.NewNotificationHandler(deps.Notifier, logger.Component("http"))
	notifications.Register(api, service...)

	channels := http.NewChannelHandler(deps.Stats)
	channels.Register(api, service...)

	tokens := http.NewTokenHandler(deps.Resolver, deps.Hub, logger.Component("http"))
	tokens.Register(api, service...)

	return app
}

func healthDeps(deps *Dependencies) http.HealthDeps {
	hd := http.HealthDeps{
		DB:          deps.DB,
		Redis:       deps.Redis,
		Bus:         deps.Bus,
		Connections: deps.Hub.ConnectionCount,
		Gatherer:    deps.Registry,
	}
	if deps.QueueBreaker != nil {
		hd.Queue = deps.QueueBreaker
	}
	return hd
}
