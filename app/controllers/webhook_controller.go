package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

const DefaultWebhookAckTimeout = 3 * time.Second

// WebhookRecorder persists inbound events.
type WebhookRecorder interface {
	RecordWebhookEvent(ctx context.Context, in billing.WebhookEventInput) (bool, *models.BillingWebhookEvent, error)
}

// JobEnqueuer hands stored events to the durable queue.
type JobEnqueuer interface {
	EnqueueUniqueJob(ctx context.Context, jobID string, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// WebhookController acknowledges processor webhooks and defers every state
// change to the job queue.
type WebhookController struct {
	recorder   WebhookRecorder
	queue      JobEnqueuer
	fallback   func(jobqueue.WebhookEventJobPayload)
	secret     string
	ackTimeout time.Duration
}

// NewWebhookController reads STRIPE_WEBHOOK_SECRET and WEBHOOK_ACK_TIMEOUT.
// fallback runs when the queue rejects a job; it must not block.
func NewWebhookController(recorder WebhookRecorder, queue JobEnqueuer, fallback func(jobqueue.WebhookEventJobPayload)) *WebhookController {
	return &WebhookController{
		recorder:   recorder,
		queue:      queue,
		fallback:   fallback,
		secret:     env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		ackTimeout: env.GetDuration("WEBHOOK_ACK_TIMEOUT", DefaultWebhookAckTimeout),
	}
}

// HandleStripeWebhook only answers 400 for a bad signature. Once verified the
// event is always acknowledged, failures are logged and counted.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	evt, err := billing.VerifyStripeEvent(rawBody, c.Get("Stripe-Signature"), wc.secret)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("unknown", "invalid_signature").Inc()
		log.Warnf("[Webhook] Rejected delivery: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}
	eventType := string(evt.Type)

	ctx, cancel := context.WithTimeout(context.Background(), wc.ackTimeout)
	defer cancel()

	created, stored, err := wc.recorder.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: evt.ID,
		EventType:       eventType,
		EventCreatedAt:  time.Unix(evt.Created, 0).UTC(),
		PayloadJSON:     string(rawBody),
	})
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues("webhook_persist").Inc()
		log.Errorf("[Webhook] Could not persist event %s (%s), queueing raw delivery: %v", evt.ID, eventType, err)
		metrics.WebhookDeliveries.WithLabelValues(eventType, wc.queueIntake(evt.ID, eventType, evt.Created, rawBody)).Inc()
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	}
	if !created && (stored.IsProcessed() || stored.DeadLettered) {
		metrics.WebhookDeliveries.WithLabelValues(eventType, "duplicate").Inc()
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	payload := jobqueue.WebhookEventJobPayload{
		WebhookEventID:  stored.ID,
		ProviderEventID: stored.ProviderEventID,
		EventType:       eventType,
	}
	result := "accepted"
	if _, err := wc.queue.EnqueueUniqueJob(ctx, jobqueue.WebhookJobID(stored.ProviderEventID), jobqueue.JobTypeWebhookEvent, payload.ToMap()); err != nil {
		if errors.Is(err, jobqueue.ErrDuplicateJob) {
			result = "duplicate"
		} else {
			result = "fallback"
			metrics.SideEffectFailures.WithLabelValues("webhook_enqueue").Inc()
			log.Errorf("[Webhook] Could not enqueue event %s, dispatching inline: %v", evt.ID, err)
			if wc.fallback != nil {
				wc.fallback(payload)
			}
		}
	}
	metrics.WebhookDeliveries.WithLabelValues(eventType, result).Inc()

	if result == "duplicate" {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// queueIntake pushes a verified delivery that could not be stored to the
// queue, where a worker stores and processes it later.
func (wc *WebhookController) queueIntake(eventID, eventType string, created int64, rawBody []byte) string {
	// The ack context may already be spent on the failed insert.
	ctx, cancel := context.WithTimeout(context.Background(), wc.ackTimeout)
	defer cancel()

	payload := jobqueue.WebhookIntakeJobPayload{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: eventID,
		EventType:       eventType,
		EventCreatedAt:  created,
		PayloadJSON:     string(rawBody),
	}
	_, err := wc.queue.EnqueueUniqueJob(ctx, jobqueue.WebhookIntakeJobID(eventID), jobqueue.JobTypeWebhookIntake, payload.ToMap())
	switch {
	case err == nil:
		return "persist_deferred"
	case errors.Is(err, jobqueue.ErrDuplicateJob):
		return "duplicate"
	default:
		metrics.SideEffectFailures.WithLabelValues("webhook_intake").Inc()
		log.Errorf("[Webhook] Event %s lost: database and queue unavailable: %v", eventID, err)
		return "lost"
	}
}
