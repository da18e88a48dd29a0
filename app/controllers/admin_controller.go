package controllers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/broadcast"
	"github.com/ManuelReschke/PayFox/internal/pkg/idempotency"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
	"github.com/ManuelReschke/PayFox/internal/pkg/settlement"
)

// RevenueReconciler is implemented by *revenue.Reconciler.
type RevenueReconciler interface {
	ReconcileMonth(ctx context.Context, year, month int) (*revenue.MonthlyRevenue, error)
}

// SettlementService is implemented by *settlement.Manager.
type SettlementService interface {
	Preview(ctx context.Context, year, month int) (*settlement.Allocation, error)
	Finalize(ctx context.Context, year, month int, actor, idemKey string) (*models.MonthlySettlement, idempotency.Outcome, error)
	RecordPayment(ctx context.Context, year, month int, actor, idemKey string) (*models.MonthlySettlement, idempotency.Outcome, error)
	Get(ctx context.Context, year, month int) (*models.MonthlySettlement, error)
	List(ctx context.Context, year int) ([]models.MonthlySettlement, error)
}

// BroadcastService is implemented by *broadcast.Runner.
type BroadcastService interface {
	Start(ctx context.Context, req broadcast.Request, actor, idemKey string) (*models.BroadcastRun, idempotency.Outcome, error)
	Get(ctx context.Context, runID string) (*models.BroadcastRun, error)
}

// TenantService is implemented by *billing.Service.
type TenantService interface {
	DeleteTenantIfEmpty(ctx context.Context, tenantID uint) error
}

// QueueAdmin is implemented by *jobqueue.Queue.
type QueueAdmin interface {
	GetStats(ctx context.Context) (*jobqueue.Stats, error)
	RequeueDeadLetters(ctx context.Context, limit int) (int, error)
}

// AdminDeps bundles the services behind the admin API.
type AdminDeps struct {
	Revenue     RevenueReconciler
	Settlements SettlementService
	Broadcasts  BroadcastService
	Tenants     TenantService
	Queue       QueueAdmin
}

// AdminController serves the JSON admin API. Every route runs behind
// middleware.AdminKeyAuth, so the actor is always known.
type AdminController struct {
	deps AdminDeps
}

// NewAdminController creates a new admin controller
func NewAdminController(deps AdminDeps) *AdminController {
	return &AdminController{deps: deps}
}

// HandleTenantDelete removes a corporate tenant once it has no members left.
func (ac *AdminController) HandleTenantDelete(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", "tenant id must be a positive integer")
	}

	if err := ac.deps.Tenants.DeleteTenantIfEmpty(c.UserContext(), uint(id)); err != nil {
		return respondError(c, err)
	}
	log.Infof("[Admin] Tenant %d deleted by %s", id, middleware.Actor(c))
	return c.SendStatus(fiber.StatusNoContent)
}
