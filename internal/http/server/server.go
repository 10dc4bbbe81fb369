// Package server assembles the Fiber app and owns the listening socket
// and its graceful shutdown.
package server

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"golang.org/x/sys/unix"

	"drawio-export/internal/config"
	"drawio-export/internal/http/handlers"
	"drawio-export/internal/http/middleware"
	"drawio-export/internal/infra/logging"
)

// Deps carries everything the app needs. Export overrides the default
// Chrome-backed handler, used by tests.
type Deps struct {
	Config   config.Config
	WorkerID string
	Export   fiber.Handler
}

// New creates and configures the Fiber app. Every route resolves to the
// export handler; errors leave as plain text.
func New(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:             deps.Config.Limits.MaxBodyBytes,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Error!"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			logging.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).SendString(msg)
		},
	})

	middleware.Register(app, deps.Config)

	app.Get("/ops/monitor", monitor.New())

	export := deps.Export
	if export == nil {
		export = handlers.HandleExport(deps.Config, deps.WorkerID)
	}
	app.All("/*", export)

	return app
}

// Listen opens the service socket. The workers of one pool bind the same
// port, so SO_REUSEPORT is set before bind and the kernel spreads accepted
// connections across them.
func Listen(cfg config.Config) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
	return lc.Listen(context.Background(), "tcp", cfg.Server.Host+cfg.Server.Port)
}

// Serve runs the app until a termination signal arrives, then shuts it
// down gracefully.
func Serve(app *fiber.App, cfg config.Config, idleConnsClosed chan struct{}) {
	ln, err := Listen(cfg)
	if err != nil {
		logging.Error("Listen failed", "addr", cfg.Server.Host+cfg.Server.Port, "error", err.Error())
		close(idleConnsClosed)
		return
	}

	go func() {
		if err := app.Listener(ln); err != nil {
			logging.Error("Server error", "error", err.Error())
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	logging.Warn("Shutdown signal received, closing server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err.Error())
	}

	close(idleConnsClosed)
	logging.Info("Server stopped cleanly")
}
