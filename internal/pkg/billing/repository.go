package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Repository provides DB operations used by the billing service. Lookups
// return gorm.ErrRecordNotFound when nothing matches.
type Repository interface {
	// Transaction runs fn with a Repository bound to one DB transaction.
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	FindActivePlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error)

	// LockSubscription loads the record FOR UPDATE.
	LockSubscription(ctx context.Context, processorSubscriptionID string) (*models.SubscriptionRecord, error)
	SaveSubscription(ctx context.Context, sub *models.SubscriptionRecord) error
	// CancelOtherSubscriptions cancels every other non-canceled record of
	// the customer and returns the records it changed.
	CancelOtherSubscriptions(ctx context.Context, customerID, keepProcessorSubscriptionID string, at time.Time) ([]models.SubscriptionRecord, error)

	GetOrCreateCustomer(ctx context.Context, processorCustomerID, email string) (*models.Customer, error)
	SaveCustomer(ctx context.Context, c *models.Customer) error

	GetTenant(ctx context.Context, id uint) (*models.CorporateTenant, error)
	FindTenantByAdmin(ctx context.Context, adminCustomerID string) (*models.CorporateTenant, error)
	SaveTenant(ctx context.Context, t *models.CorporateTenant) error
	CountTenantMembers(ctx context.Context, tenantID uint) (int64, error)
	// DeleteTenant removes the tenant and detaches customers and records
	// still pointing at it.
	DeleteTenant(ctx context.Context, id uint) error

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
	RecordWebhookFailure(ctx context.Context, id uint, processingError string, deadLettered bool) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) FindActivePlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) LockSubscription(ctx context.Context, processorSubscriptionID string) (*models.SubscriptionRecord, error) {
	var sub models.SubscriptionRecord
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("processor_subscription_id = ?", processorSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.SubscriptionRecord) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) CancelOtherSubscriptions(ctx context.Context, customerID, keepProcessorSubscriptionID string, at time.Time) ([]models.SubscriptionRecord, error) {
	var others []models.SubscriptionRecord
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ? AND processor_subscription_id <> ? AND status <> ?", customerID, keepProcessorSubscriptionID, models.BillingStatusCanceled).
		Find(&others).Error; err != nil {
		return nil, err
	}
	if len(others) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(others))
	for i := range others {
		ids[i] = others[i].ID
		others[i].Status = models.BillingStatusCanceled
		canceled := at
		others[i].CanceledAt = &canceled
		others[i].TrialEnd = nil
	}
	err := r.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":      models.BillingStatusCanceled,
			"canceled_at": at,
			"trial_end":   nil,
		}).Error
	if err != nil {
		return nil, err
	}
	return others, nil
}

func (r *gormRepository) GetOrCreateCustomer(ctx context.Context, processorCustomerID, email string) (*models.Customer, error) {
	c := models.Customer{ProcessorCustomerID: processorCustomerID, Email: email}
	if err := r.db.WithContext(ctx).
		Where(models.Customer{ProcessorCustomerID: processorCustomerID}).
		Attrs(models.Customer{Email: email}).
		FirstOrCreate(&c).Error; err != nil {
		return nil, err
	}
	if email != "" && c.Email == "" {
		c.Email = email
		if err := r.db.WithContext(ctx).Model(&c).Update("email", email).Error; err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (r *gormRepository) SaveCustomer(ctx context.Context, c *models.Customer) error {
	return r.db.WithContext(ctx).Save(c).Error
}

func (r *gormRepository) GetTenant(ctx context.Context, id uint) (*models.CorporateTenant, error) {
	var t models.CorporateTenant
	if err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) FindTenantByAdmin(ctx context.Context, adminCustomerID string) (*models.CorporateTenant, error) {
	var t models.CorporateTenant
	err := r.db.WithContext(ctx).Where("admin_customer_id = ?", adminCustomerID).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) SaveTenant(ctx context.Context, t *models.CorporateTenant) error {
	if t.ID != 0 {
		return r.db.WithContext(ctx).Save(t).Error
	}
	// The unique admin index keeps one tenant per admin under races.
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "admin_customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subscription_id", "plan_id", "seat_limit", "updated_at"}),
	}).Create(t).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Where("admin_customer_id = ?", t.AdminCustomerID).First(t).Error
}

func (r *gormRepository) CountTenantMembers(ctx context.Context, tenantID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Customer{}).
		Where("tenant_id = ? AND tenant_role <> ?", tenantID, models.TenantRoleNone).
		Count(&n).Error
	return n, err
}

func (r *gormRepository) DeleteTenant(ctx context.Context, id uint) error {
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.Customer{}).Where("tenant_id = ?", id).
		Updates(map[string]interface{}{"tenant_id": nil, "tenant_role": models.TenantRoleNone}).Error; err != nil {
		return err
	}
	if err := db.Model(&models.SubscriptionRecord{}).Where("tenant_id = ?", id).
		Update("tenant_id", nil).Error; err != nil {
		return err
	}
	return db.Delete(&models.CorporateTenant{}, id).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	var e models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
		"attempts":         gorm.Expr("attempts + 1"),
		"dead_lettered":    false,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) RecordWebhookFailure(ctx context.Context, id uint, processingError string, deadLettered bool) error {
	updates := map[string]interface{}{
		"processing_error": processingError,
		"attempts":         gorm.Expr("attempts + 1"),
		"dead_lettered":    deadLettered,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
