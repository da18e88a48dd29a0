package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/broadcast"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

// WebhookService is the part of billing.Service the webhook jobs need.
type WebhookService interface {
	RecordWebhookEvent(ctx context.Context, in billing.WebhookEventInput) (bool, *models.BillingWebhookEvent, error)
	ProcessWebhookEvent(ctx context.Context, webhookEventID uint) (*billing.ApplyResult, error)
	RecordWebhookFailure(ctx context.Context, webhookEventID uint, processingErr error, deadLettered bool) error
	ProvisionTenant(ctx context.Context, processorSubscriptionID string) (*models.CorporateTenant, error)
}

// BroadcastRunner resumes a persisted broadcast run.
type BroadcastRunner interface {
	Resume(ctx context.Context, runID string) error
	MarkFailed(ctx context.Context, runID, reason string) error
}

// WebhookJobID derives the queue job id for a processor event so duplicate
// deliveries enqueue nothing.
func WebhookJobID(providerEventID string) string {
	return "webhook:" + providerEventID
}

// WebhookIntakeJobID is the job id for a delivery queued before it was stored.
func WebhookIntakeJobID(providerEventID string) string {
	return "webhook_intake:" + providerEventID
}

// RegisterBillingProcessors wires the webhook and tenant jobs to svc.
func RegisterBillingProcessors(q *Queue, svc WebhookService) {
	q.Register(JobTypeWebhookEvent, func(ctx context.Context, job *Job) error {
		return processWebhookEvent(ctx, q, svc, job)
	})
	q.OnDeadLetter(JobTypeWebhookEvent, func(ctx context.Context, job *Job) {
		payload, err := WebhookEventJobPayloadFromMap(job.Payload)
		if err != nil {
			return
		}
		if err := svc.RecordWebhookFailure(ctx, payload.WebhookEventID, errors.New(job.ErrorMsg), true); err != nil {
			log.Errorf("[JobQueue] Failed to mark webhook event %d dead-lettered: %v", payload.WebhookEventID, err)
		}
	})
	q.Register(JobTypeWebhookIntake, func(ctx context.Context, job *Job) error {
		return processWebhookIntake(ctx, q, svc, job)
	})
	q.OnDeadLetter(JobTypeWebhookIntake, func(ctx context.Context, job *Job) {
		log.Errorf("[JobQueue] Webhook delivery %s could not be stored: %s", job.ID, job.ErrorMsg)
	})
	q.Register(JobTypeTenantProvision, func(ctx context.Context, job *Job) error {
		return processTenantProvision(ctx, svc, job)
	})
}

// RegisterBroadcastProcessor wires broadcast jobs to runner.
func RegisterBroadcastProcessor(q *Queue, runner BroadcastRunner) {
	q.Register(JobTypeBroadcast, func(ctx context.Context, job *Job) error {
		payload, err := BroadcastJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid broadcast payload: %w", err)
		}
		err = runner.Resume(ctx, payload.RunID)
		if errors.Is(err, broadcast.ErrRunTaken) {
			// Another worker owns the run.
			return nil
		}
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues(string(JobTypeBroadcast)).Inc()
			return err
		}
		return nil
	})
	q.OnDeadLetter(JobTypeBroadcast, func(ctx context.Context, job *Job) {
		payload, err := BroadcastJobPayloadFromMap(job.Payload)
		if err != nil {
			return
		}
		if err := runner.MarkFailed(ctx, payload.RunID, job.ErrorMsg); err != nil {
			log.Errorf("[JobQueue] Failed to mark broadcast %s failed: %v", payload.RunID, err)
		}
	})
}

// BroadcastDispatcher enqueues broadcast runs; one job per run id.
func BroadcastDispatcher(q *Queue) func(ctx context.Context, runID string) error {
	return func(ctx context.Context, runID string) error {
		_, err := q.EnqueueUniqueJob(ctx, "broadcast:"+runID, JobTypeBroadcast, BroadcastJobPayload{RunID: runID}.ToMap())
		if errors.Is(err, ErrDuplicateJob) {
			return nil
		}
		return err
	}
}

func processWebhookEvent(ctx context.Context, q *Queue, svc WebhookService, job *Job) error {
	payload, err := WebhookEventJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid webhook payload: %w", err)
	}

	res, err := svc.ProcessWebhookEvent(ctx, payload.WebhookEventID)
	if err != nil {
		metrics.WebhookProcessed.WithLabelValues(payload.EventType, "error").Inc()
		metrics.SideEffectFailures.WithLabelValues(string(JobTypeWebhookEvent)).Inc()
		if recErr := svc.RecordWebhookFailure(ctx, payload.WebhookEventID, err, false); recErr != nil {
			log.Errorf("[JobQueue] Failed to record webhook failure for %d: %v", payload.WebhookEventID, recErr)
		}
		return err
	}

	switch {
	case res.Duplicate:
		metrics.WebhookProcessed.WithLabelValues(payload.EventType, "duplicate").Inc()
	case res.Ignored:
		metrics.WebhookProcessed.WithLabelValues(payload.EventType, "ignored").Inc()
	default:
		metrics.WebhookProcessed.WithLabelValues(payload.EventType, "applied").Inc()
	}

	if res.NeedsTenant && res.Record != nil {
		tp := TenantProvisionJobPayload{
			SubscriptionID: res.Record.ProcessorSubscriptionID,
			EventID:        payload.ProviderEventID,
		}
		jobID := "tenant:" + tp.SubscriptionID + ":" + tp.EventID
		if _, err := q.EnqueueUniqueJob(ctx, jobID, JobTypeTenantProvision, tp.ToMap()); err != nil && !errors.Is(err, ErrDuplicateJob) {
			// The subscription change is committed and a retry of this job would
			// see a processed event, so provision inline instead.
			log.Warnf("[JobQueue] Could not enqueue tenant provisioning for %s, running inline: %v", tp.SubscriptionID, err)
			if _, perr := svc.ProvisionTenant(ctx, tp.SubscriptionID); perr != nil {
				metrics.SideEffectFailures.WithLabelValues(string(JobTypeTenantProvision)).Inc()
				log.Errorf("[JobQueue] Inline tenant provisioning for %s failed: %v", tp.SubscriptionID, perr)
			}
		}
	}
	return nil
}

// processWebhookIntake stores the delivery, then processes it like a
// webhook_event job.
func processWebhookIntake(ctx context.Context, q *Queue, svc WebhookService, job *Job) error {
	payload, err := WebhookIntakeJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid webhook intake payload: %w", err)
	}
	created, stored, err := svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        payload.Provider,
		ProviderEventID: payload.ProviderEventID,
		EventType:       payload.EventType,
		EventCreatedAt:  time.Unix(payload.EventCreatedAt, 0).UTC(),
		PayloadJSON:     payload.PayloadJSON,
	})
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues(string(JobTypeWebhookIntake)).Inc()
		return fmt.Errorf("store webhook event %s: %w", payload.ProviderEventID, err)
	}
	if !created && (stored.IsProcessed() || stored.DeadLettered) {
		return nil
	}
	log.Infof("[JobQueue] Stored delayed webhook event %s as %d", stored.ProviderEventID, stored.ID)

	return processWebhookEvent(ctx, q, svc, &Job{
		ID:   WebhookJobID(stored.ProviderEventID),
		Type: JobTypeWebhookEvent,
		Payload: WebhookEventJobPayload{
			WebhookEventID:  stored.ID,
			ProviderEventID: stored.ProviderEventID,
			EventType:       stored.EventType,
		}.ToMap(),
	})
}

func processTenantProvision(ctx context.Context, svc WebhookService, job *Job) error {
	payload, err := TenantProvisionJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid tenant payload: %w", err)
	}
	tenant, err := svc.ProvisionTenant(ctx, payload.SubscriptionID)
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues(string(JobTypeTenantProvision)).Inc()
		return err
	}
	if tenant != nil {
		log.Infof("[JobQueue] Tenant %d provisioned for subscription %s", tenant.ID, payload.SubscriptionID)
	}
	return nil
}
