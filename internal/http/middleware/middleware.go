// Package middleware wires the global Fiber middleware chain: CORS,
// request IDs, compression, the ops health endpoint, and request logging.
package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/xid"

	"drawio-export/internal/config"
	"drawio-export/internal/infra/logging"
)

// Register attaches the global middleware to the app. Order matters:
// the request id must exist before the request is logged.
func Register(app *fiber.App, cfg config.Config) {
	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(compress.New())

	app.Use(healthcheck.New(healthcheck.Config{
		LivenessEndpoint: "/ops/health",
	}))

	app.Use(func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = c.GetRespHeader("X-Request-ID")
		}
		logging.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", requestID)
		return c.Next()
	})
}
