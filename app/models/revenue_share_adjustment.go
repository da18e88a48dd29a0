package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AdjustmentStatusPending  = "pending"
	AdjustmentStatusApproved = "approved"
	AdjustmentStatusRejected = "rejected"
)

// RevenueShareAdjustment proposes a different percent for one contractor in
// one month. The approval workflow owns these rows; settlement code only
// reads approved ones.
type RevenueShareAdjustment struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Year            int             `gorm:"not null;index:idx_rsa_period_contractor,priority:1" json:"year"`
	Month           int             `gorm:"not null;index:idx_rsa_period_contractor,priority:2" json:"month"`
	ContractorID    string          `gorm:"type:varchar(64);not null;index:idx_rsa_period_contractor,priority:3" json:"contractor_id"`
	OriginalPercent decimal.Decimal `gorm:"type:decimal(7,4);not null" json:"original_percent"`
	ProposedPercent decimal.Decimal `gorm:"type:decimal(7,4);not null" json:"proposed_percent"`
	Reason          string          `gorm:"type:text" json:"reason"`
	ProposedBy      string          `gorm:"type:varchar(191);not null" json:"proposed_by"`
	ApprovedBy      *string         `gorm:"type:varchar(191);default:null" json:"approved_by,omitempty"`
	Status          string          `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
