package revenue

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// MonthlyRevenue is the reconciled revenue ledger of one calendar month.
type MonthlyRevenue struct {
	Year         int                     `json:"year"`
	Month        int                     `json:"month"`
	PeriodStart  time.Time               `json:"period_start"`
	PeriodEnd    time.Time               `json:"period_end"`
	Summary      Summary                 `json:"summary"`
	Transactions []ClassifiedTransaction `json:"transactions,omitempty"`
	Complete     bool                    `json:"complete"`
	ResumeCursor string                  `json:"resume_cursor,omitempty"`
	Warning      string                  `json:"warning,omitempty"`
}

// Reconciler runs fetch, classify and aggregate for a month. It keeps no
// state between calls and is safe for concurrent use on different months.
type Reconciler struct {
	fetcher    *Fetcher
	classifier *Classifier
	loc        *time.Location
}

// NewReconciler wires the pipeline; loc defines month boundaries.
func NewReconciler(fetcher *Fetcher, classifier *Classifier, loc *time.Location) *Reconciler {
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{fetcher: fetcher, classifier: classifier, loc: loc}
}

// ReconcileMonth returns a degraded (Complete=false) result instead of an
// error when the processor could only be read partially.
func (r *Reconciler) ReconcileMonth(ctx context.Context, year, month int) (*MonthlyRevenue, error) {
	start, end, err := MonthRange(year, month, r.loc)
	if err != nil {
		return nil, err
	}

	fetched, err := r.fetcher.FetchRange(ctx, start, end, "")
	if err != nil && !errors.Is(err, ErrPartialResult) {
		return nil, err
	}

	classified := r.classifier.ClassifyAll(fetched.Transactions)
	out := &MonthlyRevenue{
		Year:         year,
		Month:        month,
		PeriodStart:  start,
		PeriodEnd:    end,
		Summary:      Aggregate(classified),
		Transactions: classified,
		Complete:     fetched.Complete,
	}
	if err != nil {
		out.ResumeCursor = fetched.LastCursor
		out.Warning = err.Error()
		log.Warnf("[Revenue] %04d-%02d reconciled from partial data (%d transactions): %v", year, month, len(fetched.Transactions), err)
	}
	return out, nil
}
