package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/readyz", handleReady)

	// Processor webhooks (signature-verified in controller)
	app.Post("/webhooks/stripe", controllers.HandleStripeWebhook)

	// prometheus metrics
	password := env.GetEnv("METRICS_PASSWORD", "")
	if password == "" {
		log.Warn("[Router] METRICS_PASSWORD not set, /metrics is disabled")
		return
	}
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): password,
		},
	}), adaptor.HTTPHandler(metrics.Handler()))
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

// handleReady reports whether MySQL and Redis answer within two seconds.
func handleReady(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{"database": "ok", "cache": "ok"}
	healthy := true

	if db := database.GetDB(); db == nil {
		checks["database"] = "not initialized"
		healthy = false
	} else if sqlDB, err := db.DB(); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}

	if err := cache.GetClient().Ping(ctx).Err(); err != nil {
		log.Warnf("[Router] Redis health check failed: %v", err)
		checks["cache"] = err.Error()
		healthy = false
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"healthy": healthy, "checks": checks})
}
