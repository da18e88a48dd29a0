package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Config carries what the routers need from the binary.
type Config struct {
	AdminKeys []middleware.AdminKey
	// LimiterStorage shares rate limits across instances; nil keeps them in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, cfg Config) {
	// HttpRouter first: webhooks and metrics must not pass through the
	// admin limiter or key check.
	setup(app, NewHttpRouter(), NewApiRouter(cfg))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
