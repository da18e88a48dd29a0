package models

import "time"

const (
	BroadcastStatusRunning   = "running"
	BroadcastStatusCompleted = "completed"
	BroadcastStatusFailed    = "failed"
)

// BroadcastRun records the progress of an administrator email broadcast.
// Each batch is claimed by advancing Processed with a compare-and-set; Claims
// counts those writes.
type BroadcastRun struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	IdempotencyKey string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"idempotency_key"`
	Subject        string     `gorm:"type:varchar(255);not null" json:"subject"`
	Body           string     `gorm:"type:longtext;not null" json:"-"`
	Audience       string     `gorm:"type:varchar(32);not null" json:"audience"`
	Total          int        `gorm:"not null;default:0" json:"total"`
	Processed      int        `gorm:"not null;default:0" json:"processed"`
	Sent           int        `gorm:"not null;default:0" json:"sent"`
	Failed         int        `gorm:"not null;default:0" json:"failed"`
	Claims         int        `gorm:"not null;default:0" json:"-"`
	Status         string     `gorm:"type:varchar(16);not null;default:'running';index" json:"status"`
	StartedBy      string     `gorm:"type:varchar(191);not null" json:"started_by"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt    *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
