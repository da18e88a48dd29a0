package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

type ApiRouter struct {
	cfg Config
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetInt("ADMIN_RATE_LIMIT_MAX", 60),
		Expiration: env.GetDuration("ADMIN_RATE_LIMIT_WINDOW", time.Minute),
		Storage:    h.cfg.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}))

	admin := api.Group("/admin", middleware.AdminKeyAuth(h.cfg.AdminKeys))
	admin.Get("/revenue/:year/:month", controllers.HandleAdminRevenue)

	admin.Get("/settlements", controllers.HandleAdminSettlementList)
	admin.Get("/settlements/:year/:month/preview", controllers.HandleAdminSettlementPreview)
	admin.Post("/settlements/:year/:month/finalize", controllers.HandleAdminSettlementFinalize)
	admin.Post("/settlements/:year/:month/pay", controllers.HandleAdminSettlementPay)
	admin.Get("/settlements/:year/:month", controllers.HandleAdminSettlementGet)

	admin.Post("/broadcasts", controllers.HandleAdminBroadcastStart)
	admin.Get("/broadcasts/:id", controllers.HandleAdminBroadcastGet)

	admin.Delete("/tenants/:id", controllers.HandleAdminTenantDelete)

	admin.Get("/queue/stats", controllers.HandleAdminQueueStats)
	admin.Post("/queue/dead-letters/requeue", controllers.HandleAdminQueueRequeue)
}

func NewApiRouter(cfg Config) *ApiRouter {
	return &ApiRouter{cfg: cfg}
}
