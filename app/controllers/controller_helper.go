package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/broadcast"
	"github.com/ManuelReschke/PayFox/internal/pkg/idempotency"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
	"github.com/ManuelReschke/PayFox/internal/pkg/settlement"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// parsePeriod reads the :year and :month route params.
func parsePeriod(c *fiber.Ctx) (int, int, error) {
	year, err := strconv.Atoi(c.Params("year"))
	if err != nil {
		return 0, 0, revenue.ErrInvalidPeriod
	}
	month, err := strconv.Atoi(c.Params("month"))
	if err != nil {
		return 0, 0, revenue.ErrInvalidPeriod
	}
	return year, month, nil
}

// idempotencyKey returns the trimmed header value. An empty key is rejected
// by the guard with ErrMissingKey.
func idempotencyKey(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Get(HeaderIdempotencyKey))
}

func markReplay(c *fiber.Ctx, out idempotency.Outcome) {
	if out.Replayed {
		c.Set(HeaderReplayed, "true")
	}
}

// respondError maps domain errors onto HTTP statuses with a JSON body of the
// form {"error": code, "message": text}.
func respondError(c *fiber.Ctx, err error) error {
	var conflict *settlement.ConflictError
	var invalid validator.ValidationErrors

	switch {
	case errors.Is(err, idempotency.ErrMissingKey):
		return jsonError(c, fiber.StatusPreconditionRequired, "idempotency_key_required", "header "+HeaderIdempotencyKey+" is required")
	case errors.Is(err, idempotency.ErrInvalidKey):
		return jsonError(c, fiber.StatusBadRequest, "invalid_idempotency_key", err.Error())
	case errors.Is(err, idempotency.ErrInProgress):
		return jsonError(c, fiber.StatusConflict, "in_progress", "an identical request is still running")
	case errors.As(err, &conflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "conflict",
			"message": conflict.Reason,
			"status":  conflict.Status,
		})
	case errors.Is(err, settlement.ErrIncompleteRevenue):
		return jsonError(c, fiber.StatusConflict, "incomplete_revenue", err.Error())
	case errors.Is(err, billing.ErrTenantNotEmpty):
		return jsonError(c, fiber.StatusConflict, "tenant_not_empty", err.Error())
	case errors.Is(err, settlement.ErrNotFound), errors.Is(err, broadcast.ErrNotFound), errors.Is(err, billing.ErrTenantNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, revenue.ErrInvalidPeriod):
		return jsonError(c, fiber.StatusBadRequest, "invalid_period", err.Error())
	case errors.Is(err, settlement.ErrActorRequired):
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", err.Error())
	case errors.As(err, &invalid):
		fields := make([]string, 0, len(invalid))
		for _, fe := range invalid {
			fields = append(fields, strings.ToLower(fe.Field())+": "+fe.Tag())
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "validation_failed",
			"message": strings.Join(fields, ", "),
		})
	}

	log.Errorf("[Admin] %s %s failed: %v", c.Method(), c.Path(), err)
	return jsonError(c, fiber.StatusInternalServerError, "internal_error", "request failed")
}

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}
