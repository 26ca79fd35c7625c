// Package webapi provides the HTTP surface of the service: transfer and
// payment submission, transaction lookups, and balance reads.
package webapi

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/leafybank/transactor/pkg/config"
	transfersvc "github.com/leafybank/transactor/pkg/service/transfer"
	"github.com/leafybank/transactor/webapi/common"
	transferweb "github.com/leafybank/transactor/webapi/transfer"
)

// SetupApp initializes Fiber with rate limiting, panic recovery, and the
// transaction routes.
func SetupApp(svc *transfersvc.Service, cfg config.RateLimitConfig, logger *slog.Logger) *fiber.App {
	if logger == nil {
		logger = slog.Default()
	}
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			}
			return common.ErrorResponseJSON(c, status, "Internal Server Error", err.Error())
		},
	})

	if cfg.MaxRequests > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        cfg.MaxRequests,
			Expiration: cfg.Window,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return common.ErrorResponseJSON(c, fiber.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded")
			},
		}))
	}
	app.Use(recover.New())

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	transferweb.Routes(app, svc, logger)

	return app
}
