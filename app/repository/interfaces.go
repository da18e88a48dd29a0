package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// ErrDuplicateAdjustment is returned when the approval workflow left more
// than one approved adjustment for the same contractor and month.
var ErrDuplicateAdjustment = errors.New("repository: more than one approved adjustment")

// SettlementRepository defines the persistence of monthly settlements
type SettlementRepository interface {
	Transaction(ctx context.Context, fn func(tx SettlementRepository) error) error
	// GetByPeriod returns nil without error when no settlement exists.
	GetByPeriod(ctx context.Context, year, month int) (*models.MonthlySettlement, error)
	// LockByPeriod is GetByPeriod with SELECT ... FOR UPDATE; use inside Transaction.
	LockByPeriod(ctx context.Context, year, month int) (*models.MonthlySettlement, error)
	Create(ctx context.Context, settlement *models.MonthlySettlement) error
	Update(ctx context.Context, settlement *models.MonthlySettlement) error
	ReplaceShares(ctx context.Context, settlementID uint, shares []models.SettlementShare) error
	ListByYear(ctx context.Context, year int) ([]models.MonthlySettlement, error)
}

// ExpenseRepository reads the expense ledger
type ExpenseRepository interface {
	// SumOperating totals approved operating expenses incurred in [start, end).
	SumOperating(ctx context.Context, start, end time.Time) (decimal.Decimal, error)
	// SumReimbursements totals approved reimbursements per contractor id.
	SumReimbursements(ctx context.Context, start, end time.Time) (map[string]decimal.Decimal, error)
	Create(ctx context.Context, expense *models.Expense) error
}

// AdjustmentRepository reads approved revenue share adjustments
type AdjustmentRepository interface {
	// FindApproved returns nil without error when the contractor has no
	// approved adjustment for the month.
	FindApproved(ctx context.Context, year, month int, contractorID string) (*models.RevenueShareAdjustment, error)
	Create(ctx context.Context, adjustment *models.RevenueShareAdjustment) error
}

// Recipient is one address of a broadcast audience.
type Recipient struct {
	CustomerID uint
	Email      string
	Name       string
}

// BroadcastRepository persists broadcast runs and lists their audiences
type BroadcastRepository interface {
	Create(ctx context.Context, run *models.BroadcastRun) error
	GetByID(ctx context.Context, id string) (*models.BroadcastRun, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.BroadcastRun, error)
	SaveProgress(ctx context.Context, run *models.BroadcastRun) error
	// AdvanceProgress writes run's progress only while the stored run is
	// still running at expectedProcessed. False means another worker moved it.
	AdvanceProgress(ctx context.Context, run *models.BroadcastRun, expectedProcessed int) (bool, error)
	CountRecipients(ctx context.Context, audience string) (int64, error)
	// ListRecipients pages through the audience ordered by customer id.
	ListRecipients(ctx context.Context, audience string, offset, limit int) ([]Recipient, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Settlement SettlementRepository
	Expense    ExpenseRepository
	Adjustment AdjustmentRepository
	Broadcast  BroadcastRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Settlement: NewSettlementRepository(db),
		Expense:    NewExpenseRepository(db),
		Adjustment: NewAdjustmentRepository(db),
		Broadcast:  NewBroadcastRepository(db),
	}
}
