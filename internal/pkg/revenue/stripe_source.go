package revenue

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
)

// StripeSource lists charges through the Stripe API.
type StripeSource struct {
	expandFees bool
}

// NewStripeSource sets the global API key like the other Stripe helpers.
// With expandFees the balance transaction is expanded so the actual fee is
// available to the classifier.
func NewStripeSource(apiKey string, expandFees bool) *StripeSource {
	stripe.Key = apiKey
	return &StripeSource{expandFees: expandFees}
}

// ListPage fetches a single page of charges created in [start, end).
func (s *StripeSource) ListPage(ctx context.Context, start, end time.Time, cursor string, limit int) (Page, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	params := &stripe.ChargeListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: start.Unix(),
			LesserThan:         end.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))
	params.Single = true
	if cursor != "" {
		params.StartingAfter = stripe.String(cursor)
	}
	if s.expandFees {
		params.AddExpand("data.balance_transaction")
	}

	iter := charge.List(params)
	page := Page{}
	for iter.Next() {
		c := iter.Charge()
		page.Transactions = append(page.Transactions, chargeToRaw(c))
		page.NextCursor = c.ID
	}
	if err := iter.Err(); err != nil {
		return Page{}, classifyStripeError(err)
	}
	if meta := iter.Meta(); meta != nil {
		page.HasMore = meta.HasMore
	}
	return page, nil
}

func chargeToRaw(c *stripe.Charge) RawTransaction {
	tx := RawTransaction{
		ID:             c.ID,
		Amount:         minorToMajor(c.Amount),
		Currency:       strings.ToLower(string(c.Currency)),
		Status:         string(c.Status),
		Created:        time.Unix(c.Created, 0).UTC(),
		Description:    c.Description,
		Metadata:       c.Metadata,
		Refunded:       c.Refunded,
		AmountRefunded: minorToMajor(c.AmountRefunded),
	}
	if c.BalanceTransaction != nil && c.BalanceTransaction.ID != "" {
		fee := minorToMajor(c.BalanceTransaction.Fee)
		tx.ProcessorFee = &fee
	}
	return tx
}

func minorToMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError || se.Type == stripe.ErrorTypeAPI {
			return &TransientError{Err: err}
		}
		return err
	}
	// Errors without a Stripe envelope are connection-level failures.
	return &TransientError{Err: err}
}
