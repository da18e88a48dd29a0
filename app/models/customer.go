package models

import "time"

const (
	TenantRoleNone   = ""
	TenantRoleAdmin  = "admin"
	TenantRoleMember = "member"
)

// Customer is the local view of a paying processor customer. Identity and
// login live in the external account system; only billing links are kept.
type Customer struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	ProcessorCustomerID string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"processor_customer_id"`
	Email               string    `gorm:"type:varchar(200);default:''" json:"email"`
	Name                string    `gorm:"type:varchar(200);default:''" json:"name"`
	TenantID            *uint     `gorm:"index" json:"tenant_id,omitempty"`
	TenantRole          string    `gorm:"type:varchar(20);default:''" json:"tenant_role"`
	MarketingOptIn      bool      `gorm:"default:false" json:"marketing_opt_in"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
