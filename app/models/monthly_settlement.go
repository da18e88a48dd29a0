package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the lifecycle state of a monthly settlement.
type SettlementStatus string

const (
	SettlementStatusDraft     SettlementStatus = "draft"
	SettlementStatusFinalized SettlementStatus = "finalized"
	SettlementStatusPaid      SettlementStatus = "paid"
)

func (s SettlementStatus) rank() int {
	switch s {
	case SettlementStatusDraft:
		return 0
	case SettlementStatusFinalized:
		return 1
	case SettlementStatusPaid:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo allows exactly one step forward: draft→finalized→paid.
func (s SettlementStatus) CanTransitionTo(next SettlementStatus) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to == from+1
}

// MonthlySettlement is the locked snapshot of one month's allocation.
type MonthlySettlement struct {
	ID                   uint              `gorm:"primaryKey" json:"id"`
	Year                 int               `gorm:"not null;index:ux_monthly_settlements_period,unique,priority:1" json:"year"`
	Month                int               `gorm:"not null;index:ux_monthly_settlements_period,unique,priority:2" json:"month"`
	TotalRevenue         decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"total_revenue"`
	TotalFees            decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"total_fees"`
	GrossProfit          decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"gross_profit"`
	TotalExpenses        decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"total_expenses"`
	NetProfit            decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"net_profit"`
	ContractorPool       decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"contractor_pool"`
	TotalContractorShare decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"total_contractor_share"`
	CompanyShare         decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"company_share"`
	TransactionCount     int               `gorm:"not null;default:0" json:"transaction_count"`
	Status               SettlementStatus  `gorm:"type:varchar(16);not null;default:'draft';index" json:"status"`
	SnapshotJSON         string            `gorm:"type:longtext" json:"-"`
	ArchiveKey           string            `gorm:"type:varchar(255);default:''" json:"archive_key"`
	FinalizedBy          string            `gorm:"type:varchar(191);default:''" json:"finalized_by"`
	FinalizedAt          *time.Time        `gorm:"type:timestamp;default:null" json:"finalized_at,omitempty"`
	PaidBy               string            `gorm:"type:varchar(191);default:''" json:"paid_by"`
	PaidAt               *time.Time        `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	Shares               []SettlementShare `gorm:"foreignKey:SettlementID;constraint:OnDelete:CASCADE" json:"shares"`
	CreatedAt            time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// SettlementShare is one contractor's line in a settlement snapshot.
type SettlementShare struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	SettlementID   uint            `gorm:"not null;index:ux_settlement_shares_contractor,unique,priority:1" json:"settlement_id"`
	ContractorID   string          `gorm:"type:varchar(64);not null;index:ux_settlement_shares_contractor,unique,priority:2" json:"contractor_id"`
	ContractorName string          `gorm:"type:varchar(200);default:''" json:"contractor_name"`
	Percent        decimal.Decimal `gorm:"type:decimal(7,4);not null" json:"percent"`
	AdjustmentID   *uint           `json:"adjustment_id,omitempty"`
	ShareAmount    decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"share_amount"`
	Reimbursement  decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"reimbursement"`
	TotalPayment   decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"total_payment"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
