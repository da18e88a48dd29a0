package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Broadcast audiences
const (
	AudienceAllCustomers = "all_customers"
	AudienceMarketing    = "marketing"
	AudienceSubscribers  = "subscribers"
)

// broadcastRepository implements the BroadcastRepository interface
type broadcastRepository struct {
	db *gorm.DB
}

// NewBroadcastRepository creates a new broadcast repository instance
func NewBroadcastRepository(db *gorm.DB) BroadcastRepository {
	return &broadcastRepository{db: db}
}

func (r *broadcastRepository) Create(ctx context.Context, run *models.BroadcastRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *broadcastRepository) GetByID(ctx context.Context, id string) (*models.BroadcastRun, error) {
	var run models.BroadcastRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// GetByIdempotencyKey returns nil without error when no run uses key
func (r *broadcastRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.BroadcastRun, error) {
	var run models.BroadcastRun
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func progressColumns(run *models.BroadcastRun) map[string]interface{} {
	return map[string]interface{}{
		"total":        run.Total,
		"processed":    run.Processed,
		"sent":         run.Sent,
		"failed":       run.Failed,
		"status":       run.Status,
		"last_error":   run.LastError,
		"completed_at": run.CompletedAt,
	}
}

// SaveProgress writes counters and status only
func (r *broadcastRepository) SaveProgress(ctx context.Context, run *models.BroadcastRun) error {
	return r.db.WithContext(ctx).Model(&models.BroadcastRun{}).
		Where("id = ?", run.ID).
		Updates(progressColumns(run)).Error
}

// AdvanceProgress is a compare-and-set on (status, processed). Bumping claims
// keeps RowsAffected at 1 when no counter changed.
func (r *broadcastRepository) AdvanceProgress(ctx context.Context, run *models.BroadcastRun, expectedProcessed int) (bool, error) {
	cols := progressColumns(run)
	cols["claims"] = gorm.Expr("claims + 1")
	res := r.db.WithContext(ctx).Model(&models.BroadcastRun{}).
		Where("id = ? AND status = ? AND processed = ?", run.ID, models.BroadcastStatusRunning, expectedProcessed).
		Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *broadcastRepository) audience(ctx context.Context, audience string) (*gorm.DB, error) {
	q := r.db.WithContext(ctx).Model(&models.Customer{}).Where("customers.email <> ''")
	switch audience {
	case AudienceAllCustomers:
	case AudienceMarketing:
		q = q.Where("customers.marketing_opt_in = ?", true)
	case AudienceSubscribers:
		q = q.Where("EXISTS (SELECT 1 FROM subscription_records sr WHERE sr.customer_id = customers.processor_customer_id AND sr.status IN ?)",
			[]string{models.BillingStatusActive, models.BillingStatusTrialing})
	default:
		return nil, fmt.Errorf("unknown audience %q", audience)
	}
	return q, nil
}

func (r *broadcastRepository) CountRecipients(ctx context.Context, audience string) (int64, error) {
	q, err := r.audience(ctx, audience)
	if err != nil {
		return 0, err
	}
	var count int64
	err = q.Count(&count).Error
	return count, err
}

func (r *broadcastRepository) ListRecipients(ctx context.Context, audience string, offset, limit int) ([]Recipient, error) {
	q, err := r.audience(ctx, audience)
	if err != nil {
		return nil, err
	}
	var recipients []Recipient
	err = q.Select("customers.id AS customer_id, customers.email, customers.name").
		Order("customers.id ASC").
		Offset(offset).
		Limit(limit).
		Scan(&recipients).Error
	return recipients, err
}
