package billing

import (
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// VerifyStripeEvent checks the Stripe-Signature header against the endpoint
// secret and decodes the event envelope. Events signed with another API
// version are accepted since payloads are decoded into local structs.
func VerifyStripeEvent(payload []byte, signatureHeader, webhookSecret string) (stripe.Event, error) {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return stripe.Event{}, ErrInvalidSignature
	}

	evt, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return evt, nil
}
