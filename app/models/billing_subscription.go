package models

import (
	"strings"
	"time"
)

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	BillingIntervalMonth     = "month"
	BillingIntervalYear      = "year"
	BillingIntervalPermanent = "permanent"
)

const (
	BillingStatusTrialing   = "trialing"
	BillingStatusActive     = "active"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
)

// SubscriptionRecord mirrors one processor subscription of a customer. Rows
// are never deleted; a finished subscription stays with status canceled.
type SubscriptionRecord struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	CustomerID              string     `gorm:"type:varchar(191);not null;index:idx_subscription_records_customer_status,priority:1" json:"customer_id"`
	ProcessorSubscriptionID string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"processor_subscription_id"`
	Status                  string     `gorm:"type:varchar(32);not null;default:'incomplete';index:idx_subscription_records_customer_status,priority:2" json:"status"`
	PlanID                  string     `gorm:"type:varchar(100);not null;default:'';index" json:"plan_id"`
	BillingInterval         string     `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	CurrentPeriodStart      *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	TrialStart              *time.Time `gorm:"type:timestamp;default:null" json:"trial_start,omitempty"`
	TrialEnd                *time.Time `gorm:"type:timestamp;default:null" json:"trial_end,omitempty"`
	CancelAtPeriodEnd       bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt              *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	TenantID                *uint      `gorm:"index" json:"tenant_id,omitempty"`
	LastEventAt             *time.Time `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	LastEventID             string     `gorm:"type:varchar(191);default:''" json:"last_event_id"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCanceled reports whether the subscription reached its terminal state.
func (s *SubscriptionRecord) IsCanceled() bool {
	return s.Status == BillingStatusCanceled
}

// InTrial reports whether the subscription is still inside a running trial.
func (s *SubscriptionRecord) InTrial(now time.Time) bool {
	return s.Status == BillingStatusTrialing && s.TrialEnd != nil && s.TrialEnd.After(now)
}

// NormalizeBillingStatus maps processor statuses onto the five local states.
// Processor states without a local equivalent count as incomplete.
func NormalizeBillingStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case BillingStatusTrialing:
		return BillingStatusTrialing
	case BillingStatusActive:
		return BillingStatusActive
	case BillingStatusPastDue, "unpaid":
		return BillingStatusPastDue
	case BillingStatusCanceled, "cancelled", "incomplete_expired":
		return BillingStatusCanceled
	default:
		return BillingStatusIncomplete
	}
}

// NormalizeBillingInterval maps processor intervals; anything that is not a
// recurring month or year is treated as a one-time (permanent) purchase.
func NormalizeBillingInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case BillingIntervalMonth, "monthly":
		return BillingIntervalMonth
	case BillingIntervalYear, "yearly", "annual":
		return BillingIntervalYear
	default:
		return BillingIntervalPermanent
	}
}
