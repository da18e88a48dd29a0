package revenue

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the derived revenue bucket of a transaction.
type Category string

const (
	CategorySubscription            Category = "subscription"
	CategoryExcludedRefund          Category = "excluded_refund"
	CategoryExcludedNonSubscription Category = "excluded_non_subscription"
)

// StatusSucceeded is the only processor status that counts as revenue input.
const StatusSucceeded = "succeeded"

var (
	// ErrPartialResult marks a fetch that stopped before the last page.
	ErrPartialResult = errors.New("revenue: partial transaction result")
	// ErrInvalidPeriod is returned for impossible year/month pairs.
	ErrInvalidPeriod = errors.New("revenue: invalid period")
)

// RawTransaction is an immutable record as reported by the processor.
// Amounts are in major currency units.
type RawTransaction struct {
	ID             string            `json:"id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	Created        time.Time         `json:"created"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Refunded       bool              `json:"refunded"`
	AmountRefunded decimal.Decimal   `json:"amount_refunded"`
	ProcessorFee   *decimal.Decimal  `json:"processor_fee,omitempty"`
}

// ClassifiedTransaction is a RawTransaction with its derived figures. It is
// always recomputed from the raw record and never stored.
type ClassifiedTransaction struct {
	RawTransaction
	Category  Category        `json:"category"`
	Reason    string          `json:"reason"`
	PlanID    string          `json:"plan_id,omitempty"`
	PlanLabel string          `json:"plan_label,omitempty"`
	Interval  string          `json:"interval,omitempty"`
	Fee       decimal.Decimal `json:"fee"`
	Net       decimal.Decimal `json:"net"`
}

// Page is one page of a paginated transaction listing.
type Page struct {
	Transactions []RawTransaction
	NextCursor   string
	HasMore      bool
}

// MonthRange returns [start, end) of a calendar month in loc.
func MonthRange(year, month int, loc *time.Location) (time.Time, time.Time, error) {
	if month < 1 || month > 12 || year < 2000 || year > 9999 {
		return time.Time{}, time.Time{}, ErrInvalidPeriod
	}
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0), nil
}
