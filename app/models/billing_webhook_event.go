package models

import "time"

// BillingWebhookEvent stores processor webhook payloads with deduplication
// metadata for idempotent processing.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	EventCreatedAt  time.Time  `gorm:"type:timestamp;not null" json:"event_created_at"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	Attempts        int        `gorm:"default:0" json:"attempts"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	DeadLettered    bool       `gorm:"default:false;index" json:"dead_lettered"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed reports whether the event was applied (or deliberately ignored).
func (e *BillingWebhookEvent) IsProcessed() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}
