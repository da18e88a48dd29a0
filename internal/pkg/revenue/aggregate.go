package revenue

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
)

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
)

// PlanBreakdown sums subscription revenue per derived plan label.
type PlanBreakdown struct {
	PlanLabel string          `json:"plan_label"`
	Count     int             `json:"count"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Net       decimal.Decimal `json:"net"`
}

// ExcludedTotals counts transactions kept out of revenue.
type ExcludedTotals struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Summary aggregates the subscription-classified transactions of a period.
type Summary struct {
	TotalAmount             decimal.Decimal `json:"total_amount"`
	TotalFee                decimal.Decimal `json:"total_fee"`
	TotalNet                decimal.Decimal `json:"total_net"`
	Count                   int             `json:"count"`
	AverageAmount           decimal.Decimal `json:"average_amount"`
	FeePercent              decimal.Decimal `json:"fee_percent"`
	MRR                     decimal.Decimal `json:"mrr"`
	ByPlan                  []PlanBreakdown `json:"by_plan"`
	ExcludedRefunds         ExcludedTotals  `json:"excluded_refunds"`
	ExcludedNonSubscription ExcludedTotals  `json:"excluded_non_subscription"`
}

// Aggregate builds the summary. Only CategorySubscription rows contribute to
// the revenue figures.
func Aggregate(classified []ClassifiedTransaction) Summary {
	s := Summary{
		TotalAmount:   decimal.Zero,
		TotalFee:      decimal.Zero,
		TotalNet:      decimal.Zero,
		AverageAmount: decimal.Zero,
		FeePercent:    decimal.Zero,
		MRR:           decimal.Zero,
		ByPlan:        []PlanBreakdown{},
		ExcludedRefunds: ExcludedTotals{
			Amount: decimal.Zero,
		},
		ExcludedNonSubscription: ExcludedTotals{
			Amount: decimal.Zero,
		},
	}
	plans := make(map[string]*PlanBreakdown)
	mrr := decimal.Zero

	for _, ct := range classified {
		switch ct.Category {
		case CategoryExcludedRefund:
			s.ExcludedRefunds.Count++
			s.ExcludedRefunds.Amount = s.ExcludedRefunds.Amount.Add(ct.Amount)
			continue
		case CategoryExcludedNonSubscription:
			s.ExcludedNonSubscription.Count++
			s.ExcludedNonSubscription.Amount = s.ExcludedNonSubscription.Amount.Add(ct.Amount)
			continue
		}

		s.Count++
		s.TotalAmount = s.TotalAmount.Add(ct.Amount)
		s.TotalFee = s.TotalFee.Add(ct.Fee)
		s.TotalNet = s.TotalNet.Add(ct.Net)

		pb, ok := plans[ct.PlanLabel]
		if !ok {
			pb = &PlanBreakdown{PlanLabel: ct.PlanLabel, Amount: decimal.Zero, Fee: decimal.Zero, Net: decimal.Zero}
			plans[ct.PlanLabel] = pb
		}
		pb.Count++
		pb.Amount = pb.Amount.Add(ct.Amount)
		pb.Fee = pb.Fee.Add(ct.Fee)
		pb.Net = pb.Net.Add(ct.Net)

		switch ct.Interval {
		case models.BillingIntervalMonth:
			mrr = mrr.Add(ct.Amount)
		case models.BillingIntervalYear:
			mrr = mrr.Add(ct.Amount.Div(twelve))
		}
	}

	if s.Count > 0 {
		s.AverageAmount = s.TotalAmount.Div(decimal.NewFromInt(int64(s.Count))).Round(2)
	}
	if s.TotalAmount.IsPositive() {
		s.FeePercent = s.TotalFee.Div(s.TotalAmount).Mul(hundred).Round(2)
	}
	s.MRR = mrr.Round(2)

	for _, pb := range plans {
		s.ByPlan = append(s.ByPlan, *pb)
	}
	sort.Slice(s.ByPlan, func(i, j int) bool { return s.ByPlan[i].PlanLabel < s.ByPlan[j].PlanLabel })
	return s
}
