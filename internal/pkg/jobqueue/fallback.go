package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

// FallbackMaxElapsed bounds how long the in-process dispatcher keeps retrying.
const FallbackMaxElapsed = 10 * time.Minute

// DispatchInline processes a stored webhook event in a background goroutine
// when the queue is unavailable. The returned channel is closed once the
// event was processed or given up on.
func DispatchInline(svc WebhookService, payload WebhookEventJobPayload) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxElapsedTime = FallbackMaxElapsed

		op := func() error {
			res, err := svc.ProcessWebhookEvent(ctx, payload.WebhookEventID)
			if err != nil {
				_ = svc.RecordWebhookFailure(ctx, payload.WebhookEventID, err, false)
				return err
			}
			if res.NeedsTenant && res.Record != nil {
				if _, perr := svc.ProvisionTenant(ctx, res.Record.ProcessorSubscriptionID); perr != nil {
					metrics.SideEffectFailures.WithLabelValues(string(JobTypeTenantProvision)).Inc()
					log.Errorf("[JobQueue] Inline tenant provisioning for %s failed: %v", res.Record.ProcessorSubscriptionID, perr)
				}
			}
			return nil
		}
		notify := func(err error, wait time.Duration) {
			log.Warnf("[JobQueue] Inline dispatch of event %s failed, retrying in %s: %v", payload.ProviderEventID, wait, err)
		}

		if err := backoff.RetryNotify(op, b, notify); err != nil {
			metrics.DeadLetters.WithLabelValues(string(JobTypeWebhookEvent)).Inc()
			metrics.WebhookProcessed.WithLabelValues(payload.EventType, "error").Inc()
			log.Errorf("[JobQueue] Inline dispatch of event %s gave up: %v", payload.ProviderEventID, err)
			if recErr := svc.RecordWebhookFailure(ctx, payload.WebhookEventID, errors.Join(errors.New("inline dispatch exhausted"), err), true); recErr != nil {
				log.Errorf("[JobQueue] Failed to record dead-lettered event %d: %v", payload.WebhookEventID, recErr)
			}
			return
		}
		metrics.WebhookProcessed.WithLabelValues(payload.EventType, "applied").Inc()
	}()
	return done
}
