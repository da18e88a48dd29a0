package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
)

type fakeRevenue struct {
	mu       sync.Mutex
	summary  revenue.Summary
	complete bool
	calls    int
}

func newFakeRevenue(total, fees string, count int) *fakeRevenue {
	return &fakeRevenue{
		summary:  revenue.Summary{TotalAmount: dec(total), TotalFee: dec(fees), TotalNet: dec(total).Sub(dec(fees)), Count: count},
		complete: true,
	}
}

func (f *fakeRevenue) ReconcileMonth(ctx context.Context, year, month int) (*revenue.MonthlyRevenue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := &revenue.MonthlyRevenue{Year: year, Month: month, Summary: f.summary, Complete: f.complete}
	if !f.complete {
		out.Warning = "processor returned a partial result"
	}
	return out, nil
}

func (f *fakeRevenue) setComplete(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = v
}

type fakeExpenses struct {
	operating      decimal.Decimal
	reimbursements map[string]decimal.Decimal
}

func (f *fakeExpenses) SumOperating(ctx context.Context, start, end time.Time) (decimal.Decimal, error) {
	return f.operating, nil
}

func (f *fakeExpenses) SumReimbursements(ctx context.Context, start, end time.Time) (map[string]decimal.Decimal, error) {
	return f.reimbursements, nil
}

type fakeAdjustments struct {
	byKey map[string]*models.RevenueShareAdjustment
	err   error
}

func adjKey(year, month int, contractorID string) string {
	return fmt.Sprintf("%04d-%02d/%s", year, month, contractorID)
}

func (f *fakeAdjustments) FindApproved(ctx context.Context, year, month int, contractorID string) (*models.RevenueShareAdjustment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byKey[adjKey(year, month, contractorID)], nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchiver) Archive(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

var errDuplicatePeriod = errors.New("duplicate entry for ux_monthly_settlements_period")

// memSettlements mimics the unique (year, month) index and FOR UPDATE by
// serializing transactions.
type memSettlements struct {
	txMu    sync.Mutex
	mu      sync.Mutex
	nextID  uint
	rows    map[string]*models.MonthlySettlement
	creates int
}

func newMemSettlements() *memSettlements {
	return &memSettlements{rows: map[string]*models.MonthlySettlement{}}
}

func cloneSettlement(s *models.MonthlySettlement) *models.MonthlySettlement {
	c := *s
	c.Shares = append([]models.SettlementShare(nil), s.Shares...)
	return &c
}

func (r *memSettlements) Transaction(ctx context.Context, fn func(tx repository.SettlementRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	backup := make(map[string]*models.MonthlySettlement, len(r.rows))
	for k, v := range r.rows {
		backup[k] = cloneSettlement(v)
	}
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.rows = backup
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memSettlements) GetByPeriod(ctx context.Context, year, month int) (*models.MonthlySettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[period(year, month)]
	if !ok {
		return nil, nil
	}
	return cloneSettlement(s), nil
}

func (r *memSettlements) LockByPeriod(ctx context.Context, year, month int) (*models.MonthlySettlement, error) {
	return r.GetByPeriod(ctx, year, month)
}

func (r *memSettlements) Create(ctx context.Context, s *models.MonthlySettlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := period(s.Year, s.Month)
	if _, exists := r.rows[key]; exists {
		return errDuplicatePeriod
	}
	r.nextID++
	s.ID = r.nextID
	for i := range s.Shares {
		s.Shares[i].SettlementID = s.ID
	}
	r.creates++
	r.rows[key] = cloneSettlement(s)
	return nil
}

func (r *memSettlements) Update(ctx context.Context, s *models.MonthlySettlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := period(s.Year, s.Month)
	cur, ok := r.rows[key]
	if !ok {
		return errors.New("record not found")
	}
	shares := cur.Shares
	c := cloneSettlement(s)
	c.Shares = shares
	r.rows[key] = c
	return nil
}

func (r *memSettlements) ReplaceShares(ctx context.Context, settlementID uint, shares []models.SettlementShare) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.ID == settlementID {
			s.Shares = append([]models.SettlementShare(nil), shares...)
			return nil
		}
	}
	return errors.New("record not found")
}

func (r *memSettlements) ListByYear(ctx context.Context, year int) ([]models.MonthlySettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MonthlySettlement
	for m := 1; m <= 12; m++ {
		if s, ok := r.rows[period(year, m)]; ok {
			out = append(out, *cloneSettlement(s))
		}
	}
	return out, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
