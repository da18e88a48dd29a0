package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
)

// RevenueProvider reconciles a month of processor revenue.
type RevenueProvider interface {
	ReconcileMonth(ctx context.Context, year, month int) (*revenue.MonthlyRevenue, error)
}

// ExpenseLedger sums approved expenses in [start, end).
type ExpenseLedger interface {
	SumOperating(ctx context.Context, start, end time.Time) (decimal.Decimal, error)
	SumReimbursements(ctx context.Context, start, end time.Time) (map[string]decimal.Decimal, error)
}

// AdjustmentSource returns at most one approved adjustment, or nil.
type AdjustmentSource interface {
	FindApproved(ctx context.Context, year, month int, contractorID string) (*models.RevenueShareAdjustment, error)
}

const PercentSourceDefault = "default"

// ContractorAllocation is one contractor's line of an allocation.
type ContractorAllocation struct {
	ContractorID     string          `json:"contractor_id"`
	Name             string          `json:"name"`
	DefaultPercent   decimal.Decimal `json:"default_percent"`
	EffectivePercent decimal.Decimal `json:"effective_percent"`
	PercentSource    string          `json:"percent_source"`
	AdjustmentID     *uint           `json:"adjustment_id,omitempty"`
	Share            decimal.Decimal `json:"share"`
	Reimbursement    decimal.Decimal `json:"reimbursement"`
	TotalPayment     decimal.Decimal `json:"total_payment"`
}

// Allocation carries every intermediate figure of a month's split.
type Allocation struct {
	Year                 int                    `json:"year"`
	Month                int                    `json:"month"`
	PeriodStart          time.Time              `json:"period_start"`
	PeriodEnd            time.Time              `json:"period_end"`
	PoolPercent          decimal.Decimal        `json:"pool_percent"`
	TotalRevenue         decimal.Decimal        `json:"total_revenue"`
	TotalFees            decimal.Decimal        `json:"total_fees"`
	GrossProfit          decimal.Decimal        `json:"gross_profit"`
	TotalExpenses        decimal.Decimal        `json:"total_expenses"`
	NetProfit            decimal.Decimal        `json:"net_profit"`
	ContractorPool       decimal.Decimal        `json:"contractor_pool"`
	TotalContractorShare decimal.Decimal        `json:"total_contractor_share"`
	CompanyShare         decimal.Decimal        `json:"company_share"`
	TotalReimbursements  decimal.Decimal        `json:"total_reimbursements"`
	TransactionCount     int                    `json:"transaction_count"`
	Contractors          []ContractorAllocation `json:"contractors"`
	RevenueComplete      bool                   `json:"revenue_complete"`
	RevenueWarning       string                 `json:"revenue_warning,omitempty"`
	Revenue              revenue.Summary        `json:"revenue"`
	ComputedAt           time.Time              `json:"computed_at"`
}

// Engine computes allocations. It holds no state between calls.
type Engine struct {
	cfg         Config
	loc         *time.Location
	revenue     RevenueProvider
	expenses    ExpenseLedger
	adjustments AdjustmentSource
	now         func() time.Time
}

// NewEngine validates cfg and wires the collaborators.
func NewEngine(cfg Config, rev RevenueProvider, expenses ExpenseLedger, adjustments AdjustmentSource) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:         cfg,
		loc:         cfg.Location(),
		revenue:     rev,
		expenses:    expenses,
		adjustments: adjustments,
		now:         time.Now,
	}, nil
}

// ComputeAllocation reconciles the month and splits its net profit. It
// persists nothing and can be called any number of times.
func (e *Engine) ComputeAllocation(ctx context.Context, year, month int) (*Allocation, error) {
	start, end, err := revenue.MonthRange(year, month, e.loc)
	if err != nil {
		return nil, err
	}

	rev, err := e.revenue.ReconcileMonth(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("reconcile revenue: %w", err)
	}
	operating, err := e.expenses.SumOperating(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("operating expenses: %w", err)
	}
	reimbursements, err := e.expenses.SumReimbursements(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("reimbursements: %w", err)
	}

	a := &Allocation{
		Year:             year,
		Month:            month,
		PeriodStart:      start,
		PeriodEnd:        end,
		PoolPercent:      e.cfg.PoolPercent,
		TotalRevenue:     rev.Summary.TotalAmount,
		TotalFees:        rev.Summary.TotalFee,
		TotalExpenses:    operating.Round(2),
		TransactionCount: rev.Summary.Count,
		RevenueComplete:  rev.Complete,
		RevenueWarning:   rev.Warning,
		Revenue:          rev.Summary,
		ComputedAt:       e.now().UTC(),
	}
	a.GrossProfit = a.TotalRevenue.Sub(a.TotalFees)
	a.NetProfit = a.GrossProfit.Sub(a.TotalExpenses)

	// A loss month yields a negative pool; contractors share it pro rata.
	a.ContractorPool = a.NetProfit.Mul(e.cfg.PoolPercent).Div(decimal.NewFromInt(100)).Round(2)

	if err := e.splitPool(ctx, a, reimbursements); err != nil {
		return nil, err
	}
	a.CompanyShare = a.NetProfit.Sub(a.TotalContractorShare)
	return a, nil
}

func (e *Engine) splitPool(ctx context.Context, a *Allocation, reimbursements map[string]decimal.Decimal) error {
	a.Contractors = make([]ContractorAllocation, 0, len(e.cfg.Contractors))
	effectiveSum := decimal.Zero
	for _, ct := range e.cfg.Contractors {
		line := ContractorAllocation{
			ContractorID:     ct.ID,
			Name:             ct.Name,
			DefaultPercent:   ct.DefaultPercent,
			EffectivePercent: ct.DefaultPercent,
			PercentSource:    PercentSourceDefault,
			Reimbursement:    reimbursements[ct.ID].Round(2),
		}

		adj, err := e.adjustments.FindApproved(ctx, a.Year, a.Month, ct.ID)
		if err != nil {
			return fmt.Errorf("adjustment for %s: %w", ct.ID, err)
		}
		if adj != nil {
			if adj.ProposedPercent.IsNegative() || adj.ProposedPercent.GreaterThan(decimal.NewFromInt(100)) {
				return fmt.Errorf("adjustment %d for %s has percent %s outside [0, 100]", adj.ID, ct.ID, adj.ProposedPercent)
			}
			id := adj.ID
			line.EffectivePercent = adj.ProposedPercent
			line.AdjustmentID = &id
			line.PercentSource = "adjustment:" + strconv.FormatUint(uint64(adj.ID), 10)
		}

		effectiveSum = effectiveSum.Add(line.EffectivePercent)
		line.Share = a.ContractorPool.Mul(line.EffectivePercent).Div(e.cfg.PoolPercent).Round(2)
		a.Contractors = append(a.Contractors, line)
	}

	// With the nominal split the shares must add up to the pool exactly; the
	// rounding remainder goes to the last contractor.
	if effectiveSum.Equal(e.cfg.PoolPercent) && len(a.Contractors) > 0 {
		assigned := decimal.Zero
		for i := 0; i < len(a.Contractors)-1; i++ {
			assigned = assigned.Add(a.Contractors[i].Share)
		}
		a.Contractors[len(a.Contractors)-1].Share = a.ContractorPool.Sub(assigned)
	}

	a.TotalContractorShare = decimal.Zero
	a.TotalReimbursements = decimal.Zero
	for i := range a.Contractors {
		line := &a.Contractors[i]
		line.TotalPayment = line.Share.Add(line.Reimbursement)
		a.TotalContractorShare = a.TotalContractorShare.Add(line.Share)
		a.TotalReimbursements = a.TotalReimbursements.Add(line.Reimbursement)
	}
	return nil
}
