package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

const (
	defaultRequeueLimit = 100
	maxRequeueLimit     = 1000
)

// HandleQueueStats returns pending, processing and dead-letter counts.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	stats, err := ac.deps.Queue.GetStats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// HandleQueueRequeue moves up to ?limit= dead letters back onto the queue.
func (ac *AdminController) HandleQueueRequeue(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultRequeueLimit)
	if limit < 1 || limit > maxRequeueLimit {
		return jsonError(c, fiber.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
	}

	n, err := ac.deps.Queue.RequeueDeadLetters(c.UserContext(), limit)
	if err != nil {
		return respondError(c, err)
	}
	log.Infof("[Admin] %s requeued %d dead letters", middleware.Actor(c), n)
	return c.JSON(fiber.Map{"requeued": n})
}
