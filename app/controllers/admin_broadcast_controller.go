package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/broadcast"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

// HandleBroadcastStart creates a broadcast run and answers 202 while the
// mails go out in the background.
func (ac *AdminController) HandleBroadcastStart(c *fiber.Ctx) error {
	var req broadcast.Request
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body", err.Error())
	}

	run, out, err := ac.deps.Broadcasts.Start(c.UserContext(), req, middleware.Actor(c), idempotencyKey(c))
	if err != nil {
		return respondError(c, err)
	}
	markReplay(c, out)
	return c.Status(fiber.StatusAccepted).JSON(run)
}

func (ac *AdminController) HandleBroadcastGet(c *fiber.Ctx) error {
	run, err := ac.deps.Broadcasts.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(run)
}
