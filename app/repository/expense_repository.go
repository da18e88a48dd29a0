package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// expenseRepository implements the ExpenseRepository interface
type expenseRepository struct {
	db *gorm.DB
}

// NewExpenseRepository creates a new expense repository instance
func NewExpenseRepository(db *gorm.DB) ExpenseRepository {
	return &expenseRepository{db: db}
}

func (r *expenseRepository) approved(ctx context.Context, kind string, start, end time.Time) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Expense{}).
		Where("kind = ? AND status = ?", kind, models.ExpenseStatusApproved).
		Where("incurred_at >= ? AND incurred_at < ?", start, end)
}

func (r *expenseRepository) SumOperating(ctx context.Context, start, end time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.approved(ctx, models.ExpenseKindOperating, start, end).
		Select("SUM(amount)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (r *expenseRepository) SumReimbursements(ctx context.Context, start, end time.Time) (map[string]decimal.Decimal, error) {
	var rows []struct {
		ContractorID string
		Total        decimal.Decimal
	}
	err := r.approved(ctx, models.ExpenseKindReimbursement, start, end).
		Where("contractor_id <> ''").
		Select("contractor_id, SUM(amount) AS total").
		Group("contractor_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.ContractorID] = row.Total
	}
	return out, nil
}

func (r *expenseRepository) Create(ctx context.Context, expense *models.Expense) error {
	return r.db.WithContext(ctx).Create(expense).Error
}
