package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// settlementRepository implements the SettlementRepository interface
type settlementRepository struct {
	db *gorm.DB
}

// NewSettlementRepository creates a new settlement repository instance
func NewSettlementRepository(db *gorm.DB) SettlementRepository {
	return &settlementRepository{db: db}
}

func (r *settlementRepository) Transaction(ctx context.Context, fn func(tx SettlementRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&settlementRepository{db: tx})
	})
}

func (r *settlementRepository) GetByPeriod(ctx context.Context, year, month int) (*models.MonthlySettlement, error) {
	return r.findByPeriod(r.db.WithContext(ctx), year, month)
}

func (r *settlementRepository) LockByPeriod(ctx context.Context, year, month int) (*models.MonthlySettlement, error) {
	return r.findByPeriod(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), year, month)
}

func (r *settlementRepository) findByPeriod(db *gorm.DB, year, month int) (*models.MonthlySettlement, error) {
	var settlement models.MonthlySettlement
	err := db.Preload("Shares").
		Where("year = ? AND month = ?", year, month).
		First(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// Create inserts the settlement and its shares
func (r *settlementRepository) Create(ctx context.Context, settlement *models.MonthlySettlement) error {
	return r.db.WithContext(ctx).Create(settlement).Error
}

// Update saves the settlement row without touching its shares
func (r *settlementRepository) Update(ctx context.Context, settlement *models.MonthlySettlement) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(settlement).Error
}

// ReplaceShares swaps the share rows of a draft settlement
func (r *settlementRepository) ReplaceShares(ctx context.Context, settlementID uint, shares []models.SettlementShare) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("settlement_id = ?", settlementID).Delete(&models.SettlementShare{}).Error; err != nil {
		return err
	}
	if len(shares) == 0 {
		return nil
	}
	for i := range shares {
		shares[i].ID = 0
		shares[i].SettlementID = settlementID
	}
	return db.Create(&shares).Error
}

func (r *settlementRepository) ListByYear(ctx context.Context, year int) ([]models.MonthlySettlement, error) {
	var settlements []models.MonthlySettlement
	err := r.db.WithContext(ctx).
		Preload("Shares").
		Where("year = ?", year).
		Order("month ASC").
		Find(&settlements).Error
	return settlements, err
}
