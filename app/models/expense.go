package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ExpenseKindOperating     = "operating"
	ExpenseKindReimbursement = "reimbursement"
)

const (
	ExpenseStatusPending  = "pending"
	ExpenseStatusApproved = "approved"
	ExpenseStatusRejected = "rejected"
)

// Expense is a row of the expense ledger. Operating expenses reduce the net
// profit; reimbursements are paid on top of a contractor's share.
type Expense struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Kind         string          `gorm:"type:varchar(20);not null;index:idx_expenses_kind_status,priority:1" json:"kind"`
	Status       string          `gorm:"type:varchar(16);not null;default:'pending';index:idx_expenses_kind_status,priority:2" json:"status"`
	ContractorID string          `gorm:"type:varchar(64);default:'';index" json:"contractor_id"`
	Amount       decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	Description  string          `gorm:"type:text" json:"description"`
	IncurredAt   time.Time       `gorm:"type:timestamp;not null;index" json:"incurred_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
