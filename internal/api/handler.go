package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// StatusFunc reports whether a dependency is up
type StatusFunc func() bool

// HealthHandler serves the health endpoint
type HealthHandler struct {
	engine string
	nats   StatusFunc
}

// NewHealthHandler creates a health handler. nats may be nil.
func NewHealthHandler(engine string, nats StatusFunc) *HealthHandler {
	return &HealthHandler{engine: engine, nats: nats}
}

// HealthCheck returns health status
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	data := map[string]interface{}{
		"status":    "ok",
		"engine":    h.engine,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.nats != nil {
		up := h.nats()
		data["nats"] = up
		if !up {
			data["status"] = "degraded"
			return c.Status(fiber.StatusServiceUnavailable).JSON(Response{
				Success: false,
				Data:    data,
				Error:   "NATS connection is down",
			})
		}
	}

	return c.JSON(Response{
		Success: true,
		Data:    data,
	})
}
