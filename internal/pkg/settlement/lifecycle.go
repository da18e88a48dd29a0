package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/idempotency"
	"github.com/ManuelReschke/PayFox/internal/pkg/lock"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
)

const (
	OperationPreview  = "settlement.preview"
	OperationFinalize = "settlement.finalize"
	OperationPay      = "settlement.pay"

	lockTTL = 2 * time.Minute
)

// Archiver stores a finalized snapshot outside the database.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// Manager drives the draft → finalized → paid lifecycle.
type Manager struct {
	engine   *Engine
	repo     repository.SettlementRepository
	guard    *idempotency.Guard
	locker   lock.Locker
	archiver Archiver
	now      func() time.Time
}

// NewManager wires the lifecycle. archiver may be nil.
func NewManager(engine *Engine, repo repository.SettlementRepository, guard *idempotency.Guard, locker lock.Locker, archiver Archiver) *Manager {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Manager{
		engine:   engine,
		repo:     repo,
		guard:    guard,
		locker:   locker,
		archiver: archiver,
		now:      time.Now,
	}
}

func period(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

// Preview computes the allocation without persisting it.
func (m *Manager) Preview(ctx context.Context, year, month int) (*Allocation, error) {
	a, err := m.engine.ComputeAllocation(ctx, year, month)
	record(OperationPreview, err)
	return a, err
}

// Get returns the stored settlement or ErrNotFound.
func (m *Manager) Get(ctx context.Context, year, month int) (*models.MonthlySettlement, error) {
	if _, _, err := revenue.MonthRange(year, month, time.UTC); err != nil {
		return nil, err
	}
	s, err := m.repo.GetByPeriod(ctx, year, month)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the settlements of a year ordered by month.
func (m *Manager) List(ctx context.Context, year int) ([]models.MonthlySettlement, error) {
	return m.repo.ListByYear(ctx, year)
}

// Finalize recomputes the month and locks it as a finalized snapshot. The
// same idempotency key within the guard window replays the first result.
func (m *Manager) Finalize(ctx context.Context, year, month int, actor, idemKey string) (*models.MonthlySettlement, idempotency.Outcome, error) {
	if err := m.checkRequest(year, month, actor, idemKey); err != nil {
		return nil, idempotency.Outcome{}, err
	}
	key := idempotency.Key(OperationFinalize, period(year, month), idemKey)
	s, out, err := idempotency.Run(ctx, m.guard, OperationFinalize, key, func(ctx context.Context) (*models.MonthlySettlement, error) {
		return m.finalize(ctx, year, month, actor)
	})
	record(OperationFinalize, err)
	return s, out, err
}

// RecordPayment moves a finalized settlement to paid.
func (m *Manager) RecordPayment(ctx context.Context, year, month int, actor, idemKey string) (*models.MonthlySettlement, idempotency.Outcome, error) {
	if err := m.checkRequest(year, month, actor, idemKey); err != nil {
		return nil, idempotency.Outcome{}, err
	}
	key := idempotency.Key(OperationPay, period(year, month), idemKey)
	s, out, err := idempotency.Run(ctx, m.guard, OperationPay, key, func(ctx context.Context) (*models.MonthlySettlement, error) {
		return m.pay(ctx, year, month, actor)
	})
	record(OperationPay, err)
	return s, out, err
}

func (m *Manager) checkRequest(year, month int, actor, idemKey string) error {
	if _, _, err := revenue.MonthRange(year, month, time.UTC); err != nil {
		return err
	}
	if strings.TrimSpace(actor) == "" {
		return ErrActorRequired
	}
	return idempotency.ValidateKey(idemKey)
}

func (m *Manager) finalize(ctx context.Context, year, month int, actor string) (*models.MonthlySettlement, error) {
	release, err := m.locker.Acquire(ctx, "settlement:"+period(year, month), lockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	// Fail fast before hitting the processor.
	if existing, err := m.repo.GetByPeriod(ctx, year, month); err != nil {
		return nil, err
	} else if existing != nil && existing.Status != models.SettlementStatusDraft {
		return nil, finalizeConflict(existing)
	}

	alloc, err := m.engine.ComputeAllocation(ctx, year, month)
	if err != nil {
		return nil, err
	}
	if !alloc.RevenueComplete {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteRevenue, alloc.RevenueWarning)
	}
	snapshot, err := json.Marshal(alloc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	now := m.now().UTC()
	var saved *models.MonthlySettlement
	err = m.repo.Transaction(ctx, func(tx repository.SettlementRepository) error {
		existing, err := tx.LockByPeriod(ctx, year, month)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Status.CanTransitionTo(models.SettlementStatusFinalized) {
			return finalizeConflict(existing)
		}

		s := existing
		if s == nil {
			s = &models.MonthlySettlement{Year: year, Month: month}
		}
		applyAllocation(s, alloc)
		s.SnapshotJSON = string(snapshot)
		s.Status = models.SettlementStatusFinalized
		s.FinalizedBy = actor
		s.FinalizedAt = &now

		shares := sharesFor(alloc)
		if existing == nil {
			s.Shares = shares
			if err := tx.Create(ctx, s); err != nil {
				return err
			}
		} else {
			s.Shares = nil
			if err := tx.Update(ctx, s); err != nil {
				return err
			}
			if err := tx.ReplaceShares(ctx, s.ID, shares); err != nil {
				return err
			}
			s.Shares = shares
		}
		saved = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[Settlement] %s finalized by %s: net %s, company %s", period(year, month), actor, saved.NetProfit, saved.CompanyShare)
	m.archive(ctx, saved, snapshot)
	return saved, nil
}

func (m *Manager) pay(ctx context.Context, year, month int, actor string) (*models.MonthlySettlement, error) {
	release, err := m.locker.Acquire(ctx, "settlement:"+period(year, month), lockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	now := m.now().UTC()
	var saved *models.MonthlySettlement
	err = m.repo.Transaction(ctx, func(tx repository.SettlementRepository) error {
		s, err := tx.LockByPeriod(ctx, year, month)
		if err != nil {
			return err
		}
		if s == nil {
			return &ConflictError{Year: year, Month: month, Status: models.SettlementStatusDraft, Reason: "no finalized settlement exists", Err: ErrNotFinalized}
		}
		if s.Status != models.SettlementStatusFinalized {
			reason := "only a finalized settlement can be paid"
			if s.Status == models.SettlementStatusPaid {
				reason = "payment was already recorded"
			}
			return &ConflictError{Year: year, Month: month, Status: s.Status, Reason: reason, Err: ErrNotFinalized}
		}
		s.Status = models.SettlementStatusPaid
		s.PaidBy = actor
		s.PaidAt = &now
		if err := tx.Update(ctx, s); err != nil {
			return err
		}
		saved = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Settlement] %s marked paid by %s", period(year, month), actor)
	return saved, nil
}

func (m *Manager) archive(ctx context.Context, s *models.MonthlySettlement, snapshot []byte) {
	if m.archiver == nil {
		return
	}
	key := fmt.Sprintf("settlements/%04d/%02d/settlement-%d.json", s.Year, s.Month, s.ID)
	if err := m.archiver.Archive(context.WithoutCancel(ctx), key, snapshot); err != nil {
		metrics.SideEffectFailures.WithLabelValues("settlement_archive").Inc()
		log.Errorf("[Settlement] Archiving %s failed: %v", period(s.Year, s.Month), err)
		return
	}
	s.ArchiveKey = key
	if err := m.repo.Update(ctx, s); err != nil {
		log.Warnf("[Settlement] Could not store archive key for %s: %v", period(s.Year, s.Month), err)
	}
}

func finalizeConflict(s *models.MonthlySettlement) error {
	reason := "finalized settlements must be re-opened before they can be recomputed"
	if s.Status == models.SettlementStatusPaid {
		reason = "settlement was already paid"
	}
	return &ConflictError{Year: s.Year, Month: s.Month, Status: s.Status, Reason: reason, Err: ErrAlreadyFinalized}
}

func applyAllocation(s *models.MonthlySettlement, a *Allocation) {
	s.TotalRevenue = a.TotalRevenue
	s.TotalFees = a.TotalFees
	s.GrossProfit = a.GrossProfit
	s.TotalExpenses = a.TotalExpenses
	s.NetProfit = a.NetProfit
	s.ContractorPool = a.ContractorPool
	s.TotalContractorShare = a.TotalContractorShare
	s.CompanyShare = a.CompanyShare
	s.TransactionCount = a.TransactionCount
}

func sharesFor(a *Allocation) []models.SettlementShare {
	shares := make([]models.SettlementShare, 0, len(a.Contractors))
	for _, c := range a.Contractors {
		shares = append(shares, models.SettlementShare{
			ContractorID:   c.ContractorID,
			ContractorName: c.Name,
			Percent:        c.EffectivePercent,
			AdjustmentID:   c.AdjustmentID,
			ShareAmount:    c.Share,
			Reimbursement:  c.Reimbursement,
			TotalPayment:   c.TotalPayment,
		})
	}
	return shares
}

func record(operation string, err error) {
	result := "ok"
	var conflict *ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		result = "conflict"
	case errors.Is(err, ErrIncompleteRevenue):
		result = "incomplete"
	default:
		result = "error"
	}
	metrics.SettlementActions.WithLabelValues(operation, result).Inc()
}
