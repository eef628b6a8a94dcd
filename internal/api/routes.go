package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/callrepro/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	ResultTTL         time.Duration // how long run records are kept
	LogDir            string        // where run logs are written
	BaseURL           string        // Base URL for full URLs in responses
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 30,
		RateLimitWindow:   time.Minute,
		ResultTTL:         24 * time.Hour,
		LogDir:            "./data/runs",
		BaseURL:           "http://localhost:8000",
	}
}

// SetupRoutes configures all API routes. metrics may be nil.
func SetupRoutes(app *fiber.App, runs RunService, health *HealthHandler, metrics fiber.Handler, config RouteConfig) *security.RateLimiter {
	app.Get("/health", health.HealthCheck)
	if metrics != nil {
		app.Get("/metrics", metrics)
	}

	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: config.RateLimitRequests,
		WindowDuration:    config.RateLimitWindow,
		BurstMax:          5,
	})

	runHandler := NewRunHandler(runs, config.LogDir, config.ResultTTL, config.BaseURL)

	repro := app.Group("/repro")
	repro.Use(security.SecurityHeadersMiddleware())

	runsGroup := repro.Group("/runs")
	runsGroup.Use(security.RequestValidationMiddleware())
	runsGroup.Post("", security.RateLimitMiddleware(rateLimiter), runHandler.CreateRun)
	runsGroup.Get("", runHandler.ListRuns)
	runsGroup.Get("/:run_id", runHandler.GetRun)
	runsGroup.Get("/:run_id/log", runHandler.GetRunLog)
	runsGroup.Post("/:run_id/cancel", runHandler.CancelRun)
	runsGroup.Get("/:run_id/events", runHandler.StreamEvents)

	repro.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	repro.Get("/ws", websocket.New(runHandler.HandleWebSocket))

	return rateLimiter
}
