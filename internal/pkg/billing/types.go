package billing

import (
	"errors"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

// EventKind is the local handler an incoming processor event routes to.
type EventKind string

const (
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventPaymentFailed       EventKind = "payment_failed"
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventIgnored             EventKind = "ignored"
)

var (
	// ErrStaleEvent means a newer event was already applied to the record.
	ErrStaleEvent       = errors.New("billing: event older than last applied event")
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrTenantNotEmpty   = errors.New("billing: tenant still has members")
	ErrTenantNotFound   = errors.New("billing: tenant not found")
)

// SubscriptionEvent is the provider-agnostic shape of a subscription related
// processor event.
type SubscriptionEvent struct {
	EventID    string
	EventType  string
	Kind       EventKind
	OccurredAt time.Time

	CustomerID        string
	CustomerEmail     string
	SubscriptionID    string
	CheckoutSessionID string

	Status            string
	PriceRef          string
	PlanHint          string
	Interval          string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialStart        *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
}

// RecordKey is the processor subscription id the event applies to. One-shot
// checkouts without a subscription get a synthetic key.
func (e SubscriptionEvent) RecordKey() string {
	if e.SubscriptionID != "" {
		return e.SubscriptionID
	}
	if e.Kind == EventCheckoutCompleted && e.CheckoutSessionID != "" && e.PlanHint != "" {
		return "checkout:" + e.CheckoutSessionID
	}
	return ""
}

// ApplyResult describes what ApplyEvent did.
type ApplyResult struct {
	Record    *models.SubscriptionRecord
	Created   bool
	Duplicate bool
	Ignored   bool
	// NeedsTenant is set when the record belongs to a corporate plan and the
	// separate tenant provisioning step should run.
	NeedsTenant bool
	Superseded  int64
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	EventCreatedAt  time.Time
	PayloadJSON     string
}
