package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
)

func defaultConfig() Config {
	return Config{PoolPercent: DefaultPoolPercent, Contractors: DefaultContractors(), TimeZone: "UTC"}
}

func newTestEngine(t *testing.T, cfg Config, rev RevenueProvider, exp *fakeExpenses, adj *fakeAdjustments) *Engine {
	t.Helper()
	if exp == nil {
		exp = &fakeExpenses{operating: decimal.Zero}
	}
	if adj == nil {
		adj = &fakeAdjustments{}
	}
	e, err := NewEngine(cfg, rev, exp, adj)
	require.NoError(t, err)
	return e
}

func assertConserved(t *testing.T, a *Allocation) {
	t.Helper()
	total := a.CompanyShare
	for _, c := range a.Contractors {
		total = total.Add(c.Share)
	}
	assert.True(t, total.Equal(a.NetProfit), "company %s + shares must equal net %s", a.CompanyShare, a.NetProfit)
	assert.True(t, a.GrossProfit.Equal(a.TotalRevenue.Sub(a.TotalFees)))
	assert.True(t, a.NetProfit.Equal(a.GrossProfit.Sub(a.TotalExpenses)))
}

func TestComputeAllocation_HundredThousandMonth(t *testing.T) {
	exp := &fakeExpenses{
		operating:      dec("20000"),
		reimbursements: map[string]decimal.Decimal{"contractor_b": dec("150"), "someone_else": dec("999")},
	}
	e := newTestEngine(t, defaultConfig(), newFakeRevenue("100000", "3600", 1000), exp, nil)

	a, err := e.ComputeAllocation(context.Background(), 2025, 3)
	require.NoError(t, err)

	assert.Equal(t, "96400", a.GrossProfit.String())
	assert.Equal(t, "76400", a.NetProfit.String())
	assert.Equal(t, "45840", a.ContractorPool.String())
	assert.Equal(t, "30560", a.CompanyShare.String())
	assert.Equal(t, 1000, a.TransactionCount)
	assert.True(t, a.RevenueComplete)

	require.Len(t, a.Contractors, 2)
	assert.Equal(t, "22920", a.Contractors[0].Share.String())
	assert.Equal(t, "22920", a.Contractors[1].Share.String())
	assert.Equal(t, PercentSourceDefault, a.Contractors[0].PercentSource)
	assert.Equal(t, "22920", a.Contractors[0].TotalPayment.String())
	assert.Equal(t, "23070", a.Contractors[1].TotalPayment.String())
	assert.Equal(t, "150", a.TotalReimbursements.String())
	assertConserved(t, a)
}

func TestComputeAllocation_AdjustmentOnlyChangesItsContractorAndMonth(t *testing.T) {
	adj := &fakeAdjustments{byKey: map[string]*models.RevenueShareAdjustment{
		adjKey(2025, 3, "contractor_a"): {ID: 7, Year: 2025, Month: 3, ContractorID: "contractor_a", ProposedPercent: dec("35"), Status: models.AdjustmentStatusApproved},
	}}
	e := newTestEngine(t, defaultConfig(), newFakeRevenue("100000", "3600", 1000), &fakeExpenses{operating: dec("20000")}, adj)

	march, err := e.ComputeAllocation(context.Background(), 2025, 3)
	require.NoError(t, err)
	assert.Equal(t, "26740", march.Contractors[0].Share.String())
	assert.Equal(t, "adjustment:7", march.Contractors[0].PercentSource)
	require.NotNil(t, march.Contractors[0].AdjustmentID)
	assert.Equal(t, uint(7), *march.Contractors[0].AdjustmentID)
	assert.Equal(t, "22920", march.Contractors[1].Share.String())
	assert.Equal(t, "30", march.Contractors[1].EffectivePercent.String())
	assert.Equal(t, "45840", march.ContractorPool.String(), "nominal pool is still reported")
	assert.Equal(t, "26740", march.CompanyShare.String())
	assertConserved(t, march)

	april, err := e.ComputeAllocation(context.Background(), 2025, 4)
	require.NoError(t, err)
	assert.Equal(t, "22920", april.Contractors[0].Share.String())
	assert.Equal(t, "22920", april.Contractors[1].Share.String())
}

func TestComputeAllocation_RemainderGoesToLastContractor(t *testing.T) {
	cfg := Config{PoolPercent: dec("60"), Contractors: []Contractor{
		{ID: "a", Name: "A", DefaultPercent: dec("20")},
		{ID: "b", Name: "B", DefaultPercent: dec("20")},
		{ID: "c", Name: "C", DefaultPercent: dec("20")},
	}}
	e := newTestEngine(t, cfg, newFakeRevenue("166.68", "0", 1), nil, nil)

	a, err := e.ComputeAllocation(context.Background(), 2025, 1)
	require.NoError(t, err)
	assert.Equal(t, "100.01", a.ContractorPool.String())
	assert.Equal(t, "33.34", a.Contractors[0].Share.String())
	assert.Equal(t, "33.34", a.Contractors[1].Share.String())
	assert.Equal(t, "33.33", a.Contractors[2].Share.String())
	assert.True(t, a.TotalContractorShare.Equal(a.ContractorPool))
	assertConserved(t, a)
}

func TestComputeAllocation_LossIsSharedPerPercent(t *testing.T) {
	e := newTestEngine(t, defaultConfig(), newFakeRevenue("1000", "36", 10), &fakeExpenses{operating: dec("5000")}, nil)

	a, err := e.ComputeAllocation(context.Background(), 2025, 2)
	require.NoError(t, err)
	assert.Equal(t, "-4036", a.NetProfit.String())
	assert.Equal(t, "-2421.6", a.ContractorPool.String())
	assert.Equal(t, "-1210.8", a.Contractors[0].Share.String())
	assert.Equal(t, "-1210.8", a.Contractors[1].Share.String())
	assert.Equal(t, "-1614.4", a.CompanyShare.String())
	assertConserved(t, a)
}

func TestComputeAllocation_Errors(t *testing.T) {
	e := newTestEngine(t, defaultConfig(), newFakeRevenue("1", "0", 1), nil, &fakeAdjustments{err: errors.New("duplicate approvals")})

	_, err := e.ComputeAllocation(context.Background(), 2025, 13)
	assert.ErrorIs(t, err, revenue.ErrInvalidPeriod)

	_, err = e.ComputeAllocation(context.Background(), 2025, 1)
	assert.ErrorContains(t, err, "duplicate approvals")
}

func TestComputeAllocation_IsRepeatable(t *testing.T) {
	e := newTestEngine(t, defaultConfig(), newFakeRevenue("100000", "3600", 1000), &fakeExpenses{operating: dec("20000")}, nil)
	first, err := e.ComputeAllocation(context.Background(), 2025, 3)
	require.NoError(t, err)
	second, err := e.ComputeAllocation(context.Background(), 2025, 3)
	require.NoError(t, err)

	first.ComputedAt = second.ComputedAt
	assert.Equal(t, first, second)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"default", defaultConfig(), ""},
		{"sum mismatch", Config{PoolPercent: dec("60"), Contractors: []Contractor{{ID: "a", Name: "A", DefaultPercent: dec("30")}}}, "sum to 30"},
		{"duplicate id", Config{PoolPercent: dec("60"), Contractors: []Contractor{{ID: "a", Name: "A", DefaultPercent: dec("30")}, {ID: "a", Name: "B", DefaultPercent: dec("30")}}}, "duplicate"},
		{"no contractors", Config{PoolPercent: dec("60")}, "invalid settlement config"},
		{"missing name", Config{PoolPercent: dec("60"), Contractors: []Contractor{{ID: "a", DefaultPercent: dec("60")}}}, "Name"},
		{"pool above 100", Config{PoolPercent: dec("120"), Contractors: []Contractor{{ID: "a", Name: "A", DefaultPercent: dec("120")}}}, "pool percent"},
		{"bad timezone", Config{PoolPercent: dec("60"), Contractors: DefaultContractors(), TimeZone: "Mars/Base"}, "TimeZone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
