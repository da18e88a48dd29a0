package billing

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// memRepo is an in-memory Repository. Transaction serializes callers but
// does not roll back.
type memRepo struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	nextID    uint
	subs      map[string]*models.SubscriptionRecord
	customers map[string]*models.Customer
	tenants   map[uint]*models.CorporateTenant
	mappings  map[string]string
	events    map[uint]*models.BillingWebhookEvent
}

func newMemRepo() *memRepo {
	return &memRepo{
		subs:      map[string]*models.SubscriptionRecord{},
		customers: map[string]*models.Customer{},
		tenants:   map[uint]*models.CorporateTenant{},
		mappings:  map[string]string{},
		events:    map[uint]*models.BillingWebhookEvent{},
	}
}

func (r *memRepo) id() uint {
	r.nextID++
	return r.nextID
}

func (r *memRepo) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(r)
}

func (r *memRepo) FindActivePlanMapping(_ context.Context, _, ref string) (*models.BillingPlanMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.mappings[ref]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.BillingPlanMapping{ProviderPlanRef: ref, InternalPlan: plan, IsActive: true}, nil
}

func (r *memRepo) LockSubscription(_ context.Context, id string) (*models.SubscriptionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *memRepo) SaveSubscription(_ context.Context, sub *models.SubscriptionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = r.id()
	}
	cp := *sub
	r.subs[sub.ProcessorSubscriptionID] = &cp
	return nil
}

func (r *memRepo) CancelOtherSubscriptions(_ context.Context, customerID, keep string, at time.Time) ([]models.SubscriptionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed []models.SubscriptionRecord
	for id, sub := range r.subs {
		if sub.CustomerID == customerID && id != keep && sub.Status != models.BillingStatusCanceled {
			sub.Status = models.BillingStatusCanceled
			t := at
			sub.CanceledAt = &t
			sub.TrialEnd = nil
			changed = append(changed, *sub)
		}
	}
	return changed, nil
}

func (r *memRepo) GetOrCreateCustomer(_ context.Context, id, email string) (*models.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[id]
	if !ok {
		c = &models.Customer{ID: r.id(), ProcessorCustomerID: id, Email: email}
		r.customers[id] = c
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) SaveCustomer(_ context.Context, c *models.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.customers[c.ProcessorCustomerID] = &cp
	return nil
}

func (r *memRepo) GetTenant(_ context.Context, id uint) (*models.CorporateTenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) FindTenantByAdmin(_ context.Context, admin string) (*models.CorporateTenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t.AdminCustomerID == admin {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) SaveTenant(_ context.Context, t *models.CorporateTenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == 0 {
		t.ID = r.id()
	}
	cp := *t
	r.tenants[t.ID] = &cp
	return nil
}

func (r *memRepo) CountTenantMembers(_ context.Context, tenantID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.customers {
		if c.TenantID != nil && *c.TenantID == tenantID && c.TenantRole != models.TenantRoleNone {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) DeleteTenant(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.customers {
		if c.TenantID != nil && *c.TenantID == id {
			c.TenantID = nil
			c.TenantRole = models.TenantRoleNone
		}
	}
	for _, s := range r.subs {
		if s.TenantID != nil && *s.TenantID == id {
			s.TenantID = nil
		}
	}
	delete(r.tenants, id)
	return nil
}

func (r *memRepo) CreateWebhookEventIfNotExists(_ context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			cp := *e
			return false, &cp, nil
		}
	}
	event.ID = r.id()
	cp := *event
	r.events[event.ID] = &cp
	return true, event, nil
}

func (r *memRepo) GetWebhookEvent(_ context.Context, id uint) (*models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) MarkWebhookProcessed(_ context.Context, id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	e.ProcessedAt = &now
	e.ProcessingError = processingError
	e.Attempts++
	e.DeadLettered = false
	return nil
}

func (r *memRepo) RecordWebhookFailure(_ context.Context, id uint, processingError string, deadLettered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	e.ProcessingError = processingError
	e.DeadLettered = deadLettered
	e.Attempts++
	return nil
}

func (r *memRepo) sub(id string) *models.SubscriptionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (r *memRepo) customer(id string) *models.Customer {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}
