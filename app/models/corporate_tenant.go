package models

import "time"

// CorporateTenant is provisioned for the admin customer of a corporate plan.
// At most one tenant exists per admin.
type CorporateTenant struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AdminCustomerID string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"admin_customer_id"`
	SubscriptionID  string    `gorm:"type:varchar(191);default:'';index" json:"subscription_id"`
	PlanID          string    `gorm:"type:varchar(100);not null" json:"plan_id"`
	SeatLimit       int       `gorm:"not null;default:0" json:"seat_limit"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
