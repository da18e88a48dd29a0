package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// Processor event types routed to local handlers.
const (
	StripeSubscriptionCreated = "customer.subscription.created"
	StripeSubscriptionUpdated = "customer.subscription.updated"
	StripeSubscriptionDeleted = "customer.subscription.deleted"
	StripeInvoicePaid         = "invoice.paid"
	StripeInvoiceSucceeded    = "invoice.payment_succeeded"
	StripeInvoiceFailed       = "invoice.payment_failed"
	StripeCheckoutCompleted   = "checkout.session.completed"
)

// KindForEventType maps a processor event type onto a handler.
func KindForEventType(eventType string) EventKind {
	switch eventType {
	case StripeSubscriptionCreated:
		return EventSubscriptionCreated
	case StripeSubscriptionUpdated:
		return EventSubscriptionUpdated
	case StripeSubscriptionDeleted:
		return EventSubscriptionDeleted
	case StripeInvoicePaid, StripeInvoiceSucceeded:
		return EventPaymentSucceeded
	case StripeInvoiceFailed:
		return EventPaymentFailed
	case StripeCheckoutCompleted:
		return EventCheckoutCompleted
	default:
		return EventIgnored
	}
}

// stripeRef decodes a field that is either an id string or an expanded
// object with an id.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = stripeRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

type stripePrice struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
	Recurring *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           stripeRef         `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	EndedAt            int64             `json:"ended_at"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64       `json:"current_period_start"`
			CurrentPeriodEnd   int64       `json:"current_period_end"`
			Price              stripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID            string    `json:"id"`
	Customer      stripeRef `json:"customer"`
	CustomerEmail string    `json:"customer_email"`
	Subscription  stripeRef `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription stripeRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price *stripePrice `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// ParseStripeEvent decodes the nested object of a verified event.
func ParseStripeEvent(evt stripe.Event) (SubscriptionEvent, error) {
	out := SubscriptionEvent{
		EventID:    evt.ID,
		EventType:  string(evt.Type),
		Kind:       KindForEventType(string(evt.Type)),
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}
	if out.Kind == EventIgnored {
		return out, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, fmt.Errorf("event %s has no data object", evt.ID)
	}

	var err error
	switch out.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		err = parseSubscription(evt.Data.Raw, &out)
	case EventPaymentSucceeded, EventPaymentFailed:
		err = parseInvoice(evt.Data.Raw, &out)
	case EventCheckoutCompleted:
		err = parseCheckout(evt.Data.Raw, &out)
	}
	if err != nil {
		return out, fmt.Errorf("decode %s payload: %w", out.EventType, err)
	}
	return out, nil
}

func parseSubscription(raw json.RawMessage, out *SubscriptionEvent) error {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	out.SubscriptionID = sub.ID
	out.CustomerID = string(sub.Customer)
	out.Status = sub.Status
	out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	out.TrialStart = unixPtr(sub.TrialStart)
	out.TrialEnd = unixPtr(sub.TrialEnd)
	out.CanceledAt = unixPtr(sub.CanceledAt)
	if out.CanceledAt == nil {
		out.CanceledAt = unixPtr(sub.EndedAt)
	}
	out.PlanHint = sub.Metadata["plan_id"]
	out.PeriodStart = unixPtr(sub.CurrentPeriodStart)
	out.PeriodEnd = unixPtr(sub.CurrentPeriodEnd)

	// Newer API versions carry the period on the subscription item.
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if out.PeriodStart == nil {
			out.PeriodStart = unixPtr(item.CurrentPeriodStart)
		}
		if out.PeriodEnd == nil {
			out.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
		}
		applyPrice(item.Price, out)
	}
	if out.Kind == EventSubscriptionDeleted && out.Status == "" {
		out.Status = "canceled"
	}
	return nil
}

func parseInvoice(raw json.RawMessage, out *SubscriptionEvent) error {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	out.CustomerID = string(inv.Customer)
	out.CustomerEmail = inv.CustomerEmail
	out.SubscriptionID = string(inv.Subscription)
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if out.SubscriptionID == "" {
			out.SubscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
		}
		out.PlanHint = inv.Parent.SubscriptionDetails.Metadata["plan_id"]
	}
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		out.PeriodStart = unixPtr(line.Period.Start)
		out.PeriodEnd = unixPtr(line.Period.End)
		if line.Price != nil {
			applyPrice(*line.Price, out)
		}
	}
	return nil
}

func parseCheckout(raw json.RawMessage, out *SubscriptionEvent) error {
	var cs stripeCheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return err
	}
	out.CheckoutSessionID = cs.ID
	out.CustomerID = string(cs.Customer)
	if out.CustomerID == "" {
		out.CustomerID = cs.ClientReferenceID
	}
	out.SubscriptionID = string(cs.Subscription)
	out.PlanHint = cs.Metadata["plan_id"]
	out.Interval = cs.Metadata["interval"]
	if cs.CustomerDetails != nil {
		out.CustomerEmail = cs.CustomerDetails.Email
	}
	if out.RecordKey() == "" {
		// One-off payment without a plan, not a subscription concern.
		out.Kind = EventIgnored
	}
	return nil
}

func applyPrice(p stripePrice, out *SubscriptionEvent) {
	if out.PriceRef == "" {
		out.PriceRef = p.ID
	}
	if out.PlanHint == "" {
		out.PlanHint = p.LookupKey
	}
	if out.Interval == "" && p.Recurring != nil {
		out.Interval = p.Recurring.Interval
	}
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
