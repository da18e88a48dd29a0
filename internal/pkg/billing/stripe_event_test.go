package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test_secret"

func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripeEvent(t *testing.T) {
	payload := stripeEventJSON(t, "evt_sig", StripeSubscriptionUpdated, time.Now(), map[string]any{"id": "sub_1", "customer": "cus_1", "status": "active"})

	evt, err := VerifyStripeEvent(payload, signPayload(payload, testWebhookSecret, time.Now()), testWebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_sig", evt.ID)
	assert.Equal(t, StripeSubscriptionUpdated, string(evt.Type))

	_, err = VerifyStripeEvent(payload, signPayload(payload, "whsec_other", time.Now()), testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyStripeEvent(payload, signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour)), testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature, "timestamps outside the tolerance are rejected")

	_, err = VerifyStripeEvent(payload, "", testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseStripeEvent(t *testing.T) {
	secret := testWebhookSecret
	verify := func(t *testing.T, payload []byte) SubscriptionEvent {
		t.Helper()
		evt, err := VerifyStripeEvent(payload, signPayload(payload, secret, time.Now()), secret)
		require.NoError(t, err)
		ev, err := ParseStripeEvent(evt)
		require.NoError(t, err)
		return ev
	}

	t.Run("subscription with expanded customer", func(t *testing.T) {
		ev := verify(t, stripeEventJSON(t, "evt_1", StripeSubscriptionCreated, t0, map[string]any{
			"id":                   "sub_1",
			"customer":             map[string]any{"id": "cus_1", "object": "customer"},
			"status":               "trialing",
			"trial_end":            t0.Add(48 * time.Hour).Unix(),
			"current_period_start": t0.Unix(),
			"current_period_end":   t0.AddDate(0, 1, 0).Unix(),
			"items": map[string]any{"data": []map[string]any{{
				"price": map[string]any{"id": "price_1", "lookup_key": "team_monthly", "recurring": map[string]string{"interval": "month"}},
			}}},
		}))
		assert.Equal(t, EventSubscriptionCreated, ev.Kind)
		assert.Equal(t, "cus_1", ev.CustomerID)
		assert.Equal(t, "price_1", ev.PriceRef)
		assert.Equal(t, "team_monthly", ev.PlanHint)
		assert.Equal(t, "month", ev.Interval)
		require.NotNil(t, ev.TrialEnd)
		assert.Equal(t, t0, ev.OccurredAt)
	})

	t.Run("invoice with parent subscription details", func(t *testing.T) {
		ev := verify(t, stripeEventJSON(t, "evt_2", StripeInvoiceFailed, t0, map[string]any{
			"id":       "in_1",
			"customer": "cus_1",
			"parent": map[string]any{"subscription_details": map[string]any{
				"subscription": "sub_1",
				"metadata":     map[string]string{"plan_id": "personal_yearly"},
			}},
		}))
		assert.Equal(t, EventPaymentFailed, ev.Kind)
		assert.Equal(t, "sub_1", ev.SubscriptionID)
		assert.Equal(t, "personal_yearly", ev.PlanHint)
	})

	t.Run("invoice.paid routes to payment succeeded", func(t *testing.T) {
		ev := verify(t, stripeEventJSON(t, "evt_3", StripeInvoicePaid, t0, map[string]any{
			"id": "in_2", "customer": "cus_1", "subscription": "sub_1",
		}))
		assert.Equal(t, EventPaymentSucceeded, ev.Kind)
		assert.Equal(t, "sub_1", ev.SubscriptionID)
	})

	t.Run("one-off checkout without plan is ignored", func(t *testing.T) {
		ev := verify(t, stripeEventJSON(t, "evt_4", StripeCheckoutCompleted, t0, map[string]any{
			"id": "cs_1", "mode": "payment", "customer": "cus_1",
		}))
		assert.Equal(t, EventIgnored, ev.Kind)
	})

	t.Run("lifetime checkout", func(t *testing.T) {
		ev := verify(t, stripeEventJSON(t, "evt_5", StripeCheckoutCompleted, t0, map[string]any{
			"id": "cs_2", "mode": "payment", "customer": "cus_1",
			"metadata":         map[string]string{"plan_id": "personal_lifetime"},
			"customer_details": map[string]string{"email": "a@example.com"},
		}))
		assert.Equal(t, EventCheckoutCompleted, ev.Kind)
		assert.Equal(t, "checkout:cs_2", ev.RecordKey())
		assert.Equal(t, "a@example.com", ev.CustomerEmail)
	})

	t.Run("unknown type", func(t *testing.T) {
		ev := verify(t, stripeEventJSON(t, "evt_6", "payment_intent.created", t0, map[string]any{"id": "pi_1"}))
		assert.Equal(t, EventIgnored, ev.Kind)
	})
}
