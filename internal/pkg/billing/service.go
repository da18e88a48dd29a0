package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/lock"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

const subscriptionLockTTL = 30 * time.Second

// Service owns subscription records and corporate tenants. All writes to a
// record happen while holding its lock and inside a DB transaction.
type Service struct {
	repo    Repository
	locker  lock.Locker
	catalog *entitlements.Catalog
	now     func() time.Time
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, locker lock.Locker, catalog *entitlements.Catalog) *Service {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Service{repo: repo, locker: locker, catalog: catalog, now: time.Now}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, locker lock.Locker, catalog *entitlements.Catalog) *Service {
	return NewService(NewRepository(db), locker, catalog)
}

// Catalog exposes the plan table used for resolution.
func (s *Service) Catalog() *entitlements.Catalog {
	return s.catalog
}

// ApplyEvent applies one subscription event. Replaying an event id that
// was already applied is a no-op; events older than the last applied one
// are discarded with ErrStaleEvent.
func (s *Service) ApplyEvent(ctx context.Context, ev SubscriptionEvent) (*ApplyResult, error) {
	key := ev.RecordKey()
	if ev.Kind == EventIgnored || key == "" {
		return &ApplyResult{Ignored: true}, nil
	}

	planID, err := s.ResolvePlan(ctx, ev.PlanHint, ev.PriceRef)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, "subscription:"+key, subscriptionLockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	res := &ApplyResult{}
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		rec, err := tx.LockSubscription(ctx, key)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = &models.SubscriptionRecord{
				ProcessorSubscriptionID: key,
				CustomerID:              ev.CustomerID,
				Status:                  models.BillingStatusIncomplete,
				PlanID:                  planID,
				BillingInterval:         resolveInterval(s.catalog, planID, ev.Interval),
			}
			res.Created = true
		case err != nil:
			return err
		default:
			if ev.EventID != "" && rec.LastEventID == ev.EventID {
				res.Duplicate = true
				res.Record = rec
				return nil
			}
			if rec.LastEventAt != nil && ev.OccurredAt.Before(*rec.LastEventAt) {
				return ErrStaleEvent
			}
		}

		if rec.CustomerID == "" {
			rec.CustomerID = ev.CustomerID
		}
		if rec.CustomerID != "" {
			if _, err := tx.GetOrCreateCustomer(ctx, rec.CustomerID, ev.CustomerEmail); err != nil {
				return fmt.Errorf("ensure customer: %w", err)
			}
		}

		if err := s.dispatch(ctx, tx, rec, ev, planID); err != nil {
			return err
		}
		if rec.Status != models.BillingStatusTrialing {
			rec.TrialEnd = nil
		}

		occurred := ev.OccurredAt
		rec.LastEventAt = &occurred
		rec.LastEventID = ev.EventID
		if err := tx.SaveSubscription(ctx, rec); err != nil {
			return err
		}

		if res.Created && !rec.IsCanceled() && rec.CustomerID != "" {
			superseded, err := tx.CancelOtherSubscriptions(ctx, rec.CustomerID, rec.ProcessorSubscriptionID, ev.OccurredAt)
			if err != nil {
				return fmt.Errorf("supersede subscriptions: %w", err)
			}
			for i := range superseded {
				if err := s.clearTenantRole(ctx, tx, &superseded[i]); err != nil {
					return err
				}
			}
			res.Superseded = int64(len(superseded))
		}
		res.Record = rec
		return nil
	})
	if errors.Is(err, ErrStaleEvent) {
		metrics.StaleEvents.Inc()
		log.Warnf("[Billing] Discarding stale %s %s for %s", ev.EventType, ev.EventID, key)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if !res.Duplicate && !res.Record.IsCanceled() && isCorporatePlan(s.catalog, res.Record.PlanID) && res.Record.TenantID == nil {
		res.NeedsTenant = true
	}
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, tx Repository, rec *models.SubscriptionRecord, ev SubscriptionEvent, planID string) error {
	if rec.IsCanceled() && ev.Kind != EventSubscriptionDeleted {
		// Canceled is terminal; later events only advance the event cursor.
		return nil
	}

	switch ev.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		s.refresh(rec, ev, planID)
		rec.Status = models.NormalizeBillingStatus(ev.Status)
		if rec.IsCanceled() {
			return s.cancel(ctx, tx, rec, ev)
		}
	case EventSubscriptionDeleted:
		s.refresh(rec, ev, planID)
		return s.cancel(ctx, tx, rec, ev)
	case EventPaymentSucceeded:
		s.refreshPeriod(rec, ev)
		rec.Status = models.BillingStatusActive
	case EventPaymentFailed:
		rec.Status = models.BillingStatusPastDue
	case EventCheckoutCompleted:
		if rec.PlanID == "" {
			rec.PlanID = planID
		}
		if ev.SubscriptionID == "" {
			rec.BillingInterval = models.BillingIntervalPermanent
		}
		rec.Status = models.BillingStatusActive
	}
	return nil
}

func (s *Service) refresh(rec *models.SubscriptionRecord, ev SubscriptionEvent, planID string) {
	if planID != "" {
		rec.PlanID = planID
	}
	rec.BillingInterval = resolveInterval(s.catalog, rec.PlanID, ev.Interval)
	s.refreshPeriod(rec, ev)
	if ev.TrialStart != nil {
		rec.TrialStart = ev.TrialStart
	}
	if ev.TrialEnd != nil {
		rec.TrialEnd = ev.TrialEnd
	}
	rec.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
}

func (s *Service) refreshPeriod(rec *models.SubscriptionRecord, ev SubscriptionEvent) {
	if ev.PeriodStart != nil {
		rec.CurrentPeriodStart = ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		rec.CurrentPeriodEnd = ev.PeriodEnd
	}
}

// cancel marks the record canceled and clears the owner's tenant role. The
// tenant itself stays until an administrator deletes it.
func (s *Service) cancel(ctx context.Context, tx Repository, rec *models.SubscriptionRecord, ev SubscriptionEvent) error {
	rec.Status = models.BillingStatusCanceled
	rec.CancelAtPeriodEnd = false
	if rec.CanceledAt == nil {
		at := ev.OccurredAt
		if ev.CanceledAt != nil {
			at = *ev.CanceledAt
		}
		rec.CanceledAt = &at
	}
	return s.clearTenantRole(ctx, tx, rec)
}

// clearTenantRole drops the admin role the owner holds through rec's tenant.
func (s *Service) clearTenantRole(ctx context.Context, tx Repository, rec *models.SubscriptionRecord) error {
	if rec.TenantID == nil || rec.CustomerID == "" {
		return nil
	}

	customer, err := tx.GetOrCreateCustomer(ctx, rec.CustomerID, "")
	if err != nil {
		return err
	}
	if customer.TenantRole == models.TenantRoleAdmin && customer.TenantID != nil && *customer.TenantID == *rec.TenantID {
		customer.TenantRole = models.TenantRoleNone
		if err := tx.SaveCustomer(ctx, customer); err != nil {
			return fmt.Errorf("clear tenant role: %w", err)
		}
		log.Infof("[Billing] Cleared tenant admin role of %s after cancellation of %s", rec.CustomerID, rec.ProcessorSubscriptionID)
	}
	return nil
}

// ProvisionTenant creates or refreshes the corporate tenant of a
// subscription. It runs separately from ApplyEvent so a failure here never
// rolls back the subscription update.
func (s *Service) ProvisionTenant(ctx context.Context, processorSubscriptionID string) (*models.CorporateTenant, error) {
	release, err := s.locker.Acquire(ctx, "subscription:"+processorSubscriptionID, subscriptionLockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	var tenant *models.CorporateTenant
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		rec, err := tx.LockSubscription(ctx, processorSubscriptionID)
		if err != nil {
			return err
		}
		plan, ok := s.catalog.Lookup(rec.PlanID)
		if rec.IsCanceled() || !ok || !plan.IsCorporate() || rec.CustomerID == "" {
			return nil
		}

		t, err := tx.FindTenantByAdmin(ctx, rec.CustomerID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			t = &models.CorporateTenant{AdminCustomerID: rec.CustomerID}
		case err != nil:
			return err
		}
		t.SubscriptionID = rec.ProcessorSubscriptionID
		t.PlanID = plan.ID
		t.SeatLimit = plan.SeatLimit
		if err := tx.SaveTenant(ctx, t); err != nil {
			return fmt.Errorf("save tenant: %w", err)
		}

		customer, err := tx.GetOrCreateCustomer(ctx, rec.CustomerID, "")
		if err != nil {
			return err
		}
		tenantID := t.ID
		customer.TenantID = &tenantID
		customer.TenantRole = models.TenantRoleAdmin
		if err := tx.SaveCustomer(ctx, customer); err != nil {
			return err
		}

		rec.TenantID = &tenantID
		if err := tx.SaveSubscription(ctx, rec); err != nil {
			return err
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tenant != nil {
		log.Infof("[Billing] Tenant %d provisioned for %s (%s, %d seats)", tenant.ID, tenant.AdminCustomerID, tenant.PlanID, tenant.SeatLimit)
	}
	return tenant, nil
}

// DeleteTenantIfEmpty deletes a tenant once no customer holds a role in it.
func (s *Service) DeleteTenantIfEmpty(ctx context.Context, tenantID uint) error {
	return s.repo.Transaction(ctx, func(tx Repository) error {
		if _, err := tx.GetTenant(ctx, tenantID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTenantNotFound
			}
			return err
		}
		n, err := tx.CountTenantMembers(ctx, tenantID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d members", ErrTenantNotEmpty, n)
		}
		if err := tx.DeleteTenant(ctx, tenantID); err != nil {
			return err
		}
		log.Infof("[Billing] Tenant %d deleted", tenantID)
		return nil
	})
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := normalizeProvider(in.Provider)
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	createdAt := in.EventCreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		EventCreatedAt:  createdAt,
		PayloadJSON:     in.PayloadJSON,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// ProcessWebhookEvent applies a stored event. Already processed events and
// stale events are finished without error; other failures are returned for
// the caller's retry policy.
func (s *Service) ProcessWebhookEvent(ctx context.Context, webhookEventID uint) (*ApplyResult, error) {
	stored, err := s.repo.GetWebhookEvent(ctx, webhookEventID)
	if err != nil {
		return nil, fmt.Errorf("load webhook event %d: %w", webhookEventID, err)
	}
	if stored.IsProcessed() {
		return &ApplyResult{Duplicate: true}, nil
	}

	var evt stripe.Event
	if err := json.Unmarshal([]byte(stored.PayloadJSON), &evt); err != nil {
		_ = s.repo.MarkWebhookProcessed(ctx, stored.ID, "")
		log.Errorf("[Billing] Webhook event %d has an unreadable payload, skipping: %v", stored.ID, err)
		return &ApplyResult{Ignored: true}, nil
	}

	ev, err := ParseStripeEvent(evt)
	if err != nil {
		return nil, err
	}
	if ev.Kind == EventIgnored {
		log.Infof("[Billing] Ignoring %s event %s", ev.EventType, ev.EventID)
		return &ApplyResult{Ignored: true}, s.repo.MarkWebhookProcessed(ctx, stored.ID, "")
	}

	res, err := s.ApplyEvent(ctx, ev)
	if errors.Is(err, ErrStaleEvent) {
		return &ApplyResult{Ignored: true}, s.repo.MarkWebhookProcessed(ctx, stored.ID, "")
	}
	if err != nil {
		return nil, err
	}
	return res, s.repo.MarkWebhookProcessed(ctx, stored.ID, "")
}

// RecordWebhookFailure stores the processing error of a failed attempt.
func (s *Service) RecordWebhookFailure(ctx context.Context, webhookEventID uint, processingErr error, deadLettered bool) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.RecordWebhookFailure(ctx, webhookEventID, errMsg, deadLettered)
}
