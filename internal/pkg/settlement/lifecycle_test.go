package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/idempotency"
	"github.com/ManuelReschke/PayFox/internal/pkg/lock"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
)

type lifecycleFixture struct {
	manager  *Manager
	repo     *memSettlements
	revenue  *fakeRevenue
	archiver *fakeArchiver
}

func newLifecycle(t *testing.T) *lifecycleFixture {
	t.Helper()
	rev := newFakeRevenue("100000", "3600", 1000)
	engine := newTestEngine(t, defaultConfig(), rev, &fakeExpenses{operating: dec("20000")}, nil)
	repo := newMemSettlements()
	archiver := &fakeArchiver{}
	m := NewManager(engine, repo, idempotency.NewGuard(idempotency.NewMemoryStore()), lock.NewMemoryLocker(), archiver)
	return &lifecycleFixture{manager: m, repo: repo, revenue: rev, archiver: archiver}
}

func TestFinalize_PersistsSnapshot(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()

	s, out, err := f.manager.Finalize(ctx, 2025, 3, "admin@payfox", "req-1")
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, models.SettlementStatusFinalized, s.Status)
	assert.Equal(t, "admin@payfox", s.FinalizedBy)
	require.NotNil(t, s.FinalizedAt)
	assert.Equal(t, "76400", s.NetProfit.String())
	assert.Equal(t, "30560", s.CompanyShare.String())
	require.Len(t, s.Shares, 2)
	assert.Equal(t, "22920", s.Shares[0].ShareAmount.String())

	stored, err := f.manager.Get(ctx, 2025, 3)
	require.NoError(t, err)
	assert.Contains(t, stored.SnapshotJSON, `"net_profit":"76400"`)
	assert.Equal(t, "settlements/2025/03/settlement-1.json", stored.ArchiveKey)
	assert.Equal(t, []string{"settlements/2025/03/settlement-1.json"}, f.archiver.keys)
}

func TestFinalize_SameKeyReplays(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()

	first, _, err := f.manager.Finalize(ctx, 2025, 3, "admin", "req-1")
	require.NoError(t, err)
	second, out, err := f.manager.Finalize(ctx, 2025, 3, "admin", "req-1")
	require.NoError(t, err)

	assert.True(t, out.Replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.repo.creates)
	assert.Equal(t, 1, f.revenue.calls)
}

func TestFinalize_RejectsFinalizedAndPaid(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()

	_, _, err := f.manager.Finalize(ctx, 2025, 3, "admin", "req-1")
	require.NoError(t, err)

	_, _, err = f.manager.Finalize(ctx, 2025, 3, "admin", "req-2")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, models.SettlementStatusFinalized, conflict.Status)

	_, _, err = f.manager.RecordPayment(ctx, 2025, 3, "admin", "pay-1")
	require.NoError(t, err)

	_, _, err = f.manager.Finalize(ctx, 2025, 3, "admin", "req-3")
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.SettlementStatusPaid, conflict.Status)

	stored, err := f.manager.Get(ctx, 2025, 3)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusPaid, stored.Status, "status never regresses")
}

func TestRecordPayment_StatusRules(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()

	_, _, err := f.manager.RecordPayment(ctx, 2025, 3, "admin", "pay-1")
	assert.ErrorIs(t, err, ErrNotFinalized, "no settlement yet")

	// A draft row left behind by another tool is not payable either.
	require.NoError(t, f.repo.Create(ctx, &models.MonthlySettlement{Year: 2025, Month: 4, Status: models.SettlementStatusDraft}))
	_, _, err = f.manager.RecordPayment(ctx, 2025, 4, "admin", "pay-2")
	assert.ErrorIs(t, err, ErrNotFinalized)

	_, _, err = f.manager.Finalize(ctx, 2025, 4, "admin", "fin-4")
	require.NoError(t, err, "draft rows can be finalized")

	paid, out, err := f.manager.RecordPayment(ctx, 2025, 4, "treasurer", "pay-3")
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, models.SettlementStatusPaid, paid.Status)
	assert.Equal(t, "treasurer", paid.PaidBy)
	require.NotNil(t, paid.PaidAt)

	_, out, err = f.manager.RecordPayment(ctx, 2025, 4, "treasurer", "pay-3")
	require.NoError(t, err)
	assert.True(t, out.Replayed, "double click replays")

	_, _, err = f.manager.RecordPayment(ctx, 2025, 4, "treasurer", "pay-4")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "payment was already recorded", conflict.Reason)
}

func TestFinalize_IncompleteRevenueIsRefused(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()
	f.revenue.setComplete(false)

	preview, err := f.manager.Preview(ctx, 2025, 3)
	require.NoError(t, err)
	assert.False(t, preview.RevenueComplete)
	assert.NotEmpty(t, preview.RevenueWarning)

	_, _, err = f.manager.Finalize(ctx, 2025, 3, "admin", "req-1")
	assert.ErrorIs(t, err, ErrIncompleteRevenue)
	_, err = f.manager.Get(ctx, 2025, 3)
	assert.ErrorIs(t, err, ErrNotFound, "nothing is persisted")

	// The failed attempt released the key.
	f.revenue.setComplete(true)
	s, out, err := f.manager.Finalize(ctx, 2025, 3, "admin", "req-1")
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, models.SettlementStatusFinalized, s.Status)
}

func TestFinalize_ConcurrentSameKey(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	ids := make([]uint, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := f.manager.Finalize(ctx, 2025, 3, "admin", "double-click")
			errs[i] = err
			if s != nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.repo.creates)
}

func TestFinalize_ConcurrentDifferentKeys(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.manager.Finalize(ctx, 2025, 3, "admin", fmt.Sprintf("key-%d", i))
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyFinalized):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, f.repo.creates)
}

func TestFinalize_ArchiveFailureDoesNotFail(t *testing.T) {
	f := newLifecycle(t)
	f.archiver.err = errors.New("s3 unavailable")

	s, _, err := f.manager.Finalize(context.Background(), 2025, 3, "admin", "req-1")
	require.NoError(t, err)
	assert.Empty(t, s.ArchiveKey)
}

func TestLifecycle_RequestValidation(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()

	_, _, err := f.manager.Finalize(ctx, 2025, 3, "admin", "")
	assert.ErrorIs(t, err, idempotency.ErrMissingKey)

	_, _, err = f.manager.Finalize(ctx, 2025, 3, " ", "req")
	assert.ErrorIs(t, err, ErrActorRequired)

	_, _, err = f.manager.RecordPayment(ctx, 2025, 0, "admin", "req")
	assert.ErrorIs(t, err, revenue.ErrInvalidPeriod)
}

func TestList(t *testing.T) {
	f := newLifecycle(t)
	ctx := context.Background()
	for _, month := range []int{5, 3} {
		_, _, err := f.manager.Finalize(ctx, 2025, month, "admin", fmt.Sprintf("fin-%d", month))
		require.NoError(t, err)
	}

	list, err := f.manager.List(ctx, 2025)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].Month)
	assert.Equal(t, 5, list[1].Month)
}
