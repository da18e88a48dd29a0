package controllers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

// HandleRevenue returns the reconciled summary of a month. Pass
// ?transactions=true to include the classified transactions.
func (ac *AdminController) HandleRevenue(c *fiber.Ctx) error {
	year, month, err := parsePeriod(c)
	if err != nil {
		return respondError(c, err)
	}

	rev, err := ac.deps.Revenue.ReconcileMonth(c.UserContext(), year, month)
	if err != nil {
		return respondError(c, err)
	}
	out := *rev
	if !c.QueryBool("transactions") {
		out.Transactions = nil
	}
	return c.JSON(out)
}

// HandleSettlementPreview computes the allocation without persisting it.
func (ac *AdminController) HandleSettlementPreview(c *fiber.Ctx) error {
	year, month, err := parsePeriod(c)
	if err != nil {
		return respondError(c, err)
	}

	alloc, err := ac.deps.Settlements.Preview(c.UserContext(), year, month)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(alloc)
}

func (ac *AdminController) HandleSettlementFinalize(c *fiber.Ctx) error {
	year, month, err := parsePeriod(c)
	if err != nil {
		return respondError(c, err)
	}

	s, out, err := ac.deps.Settlements.Finalize(c.UserContext(), year, month, middleware.Actor(c), idempotencyKey(c))
	if err != nil {
		return respondError(c, err)
	}
	markReplay(c, out)
	return c.JSON(s)
}

func (ac *AdminController) HandleSettlementPay(c *fiber.Ctx) error {
	year, month, err := parsePeriod(c)
	if err != nil {
		return respondError(c, err)
	}

	s, out, err := ac.deps.Settlements.RecordPayment(c.UserContext(), year, month, middleware.Actor(c), idempotencyKey(c))
	if err != nil {
		return respondError(c, err)
	}
	markReplay(c, out)
	return c.JSON(s)
}

func (ac *AdminController) HandleSettlementGet(c *fiber.Ctx) error {
	year, month, err := parsePeriod(c)
	if err != nil {
		return respondError(c, err)
	}

	s, err := ac.deps.Settlements.Get(c.UserContext(), year, month)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(s)
}

// HandleSettlementList lists the settlements of ?year= (default: current year).
func (ac *AdminController) HandleSettlementList(c *fiber.Ctx) error {
	year := time.Now().Year()
	if raw := c.Query("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 1 {
			return jsonError(c, fiber.StatusBadRequest, "invalid_period", "year must be a positive integer")
		}
		year = y
	}

	list, err := ac.deps.Settlements.List(c.UserContext(), year)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"year": year, "settlements": list})
}
