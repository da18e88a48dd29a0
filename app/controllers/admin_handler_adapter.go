package controllers

import (
	"github.com/gofiber/fiber/v2"
)

// Global controller instances, set up once by the binary before routing.
var (
	adminController   *AdminController
	webhookController *WebhookController
)

// InitializeAdminController sets the global admin controller
func InitializeAdminController(deps AdminDeps) {
	adminController = NewAdminController(deps)
}

// GetAdminController returns the global admin controller instance
func GetAdminController() *AdminController {
	if adminController == nil {
		panic("controllers: InitializeAdminController was not called")
	}
	return adminController
}

// InitializeWebhookController sets the global webhook controller
func InitializeWebhookController(wc *WebhookController) {
	webhookController = wc
}

// GetWebhookController returns the global webhook controller instance
func GetWebhookController() *WebhookController {
	if webhookController == nil {
		panic("controllers: InitializeWebhookController was not called")
	}
	return webhookController
}

// Adapter functions used by the router

func HandleStripeWebhook(c *fiber.Ctx) error {
	return GetWebhookController().HandleStripeWebhook(c)
}

func HandleAdminRevenue(c *fiber.Ctx) error {
	return GetAdminController().HandleRevenue(c)
}

func HandleAdminSettlementPreview(c *fiber.Ctx) error {
	return GetAdminController().HandleSettlementPreview(c)
}

func HandleAdminSettlementFinalize(c *fiber.Ctx) error {
	return GetAdminController().HandleSettlementFinalize(c)
}

func HandleAdminSettlementPay(c *fiber.Ctx) error {
	return GetAdminController().HandleSettlementPay(c)
}

func HandleAdminSettlementGet(c *fiber.Ctx) error {
	return GetAdminController().HandleSettlementGet(c)
}

func HandleAdminSettlementList(c *fiber.Ctx) error {
	return GetAdminController().HandleSettlementList(c)
}

func HandleAdminBroadcastStart(c *fiber.Ctx) error {
	return GetAdminController().HandleBroadcastStart(c)
}

func HandleAdminBroadcastGet(c *fiber.Ctx) error {
	return GetAdminController().HandleBroadcastGet(c)
}

func HandleAdminTenantDelete(c *fiber.Ctx) error {
	return GetAdminController().HandleTenantDelete(c)
}

func HandleAdminQueueStats(c *fiber.Ctx) error {
	return GetAdminController().HandleQueueStats(c)
}

func HandleAdminQueueRequeue(c *fiber.Ctx) error {
	return GetAdminController().HandleQueueRequeue(c)
}
