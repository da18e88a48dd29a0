package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// adjustmentRepository implements the AdjustmentRepository interface
type adjustmentRepository struct {
	db *gorm.DB
}

// NewAdjustmentRepository creates a new adjustment repository instance
func NewAdjustmentRepository(db *gorm.DB) AdjustmentRepository {
	return &adjustmentRepository{db: db}
}

func (r *adjustmentRepository) FindApproved(ctx context.Context, year, month int, contractorID string) (*models.RevenueShareAdjustment, error) {
	var rows []models.RevenueShareAdjustment
	err := r.db.WithContext(ctx).
		Where("year = ? AND month = ? AND contractor_id = ? AND status = ?", year, month, contractorID, models.AdjustmentStatusApproved).
		Order("id ASC").
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	default:
		return nil, fmt.Errorf("%w: contractor %s %04d-%02d", ErrDuplicateAdjustment, contractorID, year, month)
	}
}

func (r *adjustmentRepository) Create(ctx context.Context, adjustment *models.RevenueShareAdjustment) error {
	return r.db.WithContext(ctx).Create(adjustment).Error
}
