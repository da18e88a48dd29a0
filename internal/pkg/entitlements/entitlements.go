package entitlements

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
)

// PlanKind separates personal plans from plans that provision a tenant.
type PlanKind string

const (
	KindPersonal  PlanKind = "personal"
	KindCorporate PlanKind = "corporate"
)

// GenericPlanLabel is used for plan ids that are not in the catalog.
const GenericPlanLabel = "Subscription (other)"

// Plan is one entry of the entitlement table.
type Plan struct {
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	Kind      PlanKind `json:"kind"`
	Interval  string   `json:"interval"`
	SeatLimit int      `json:"seat_limit"`
}

// IsCorporate reports whether subscribing to the plan provisions a tenant.
func (p Plan) IsCorporate() bool {
	return p.Kind == KindCorporate
}

// Catalog is an immutable plan lookup table keyed by lowercase plan id.
type Catalog struct {
	plans map[string]Plan
}

// DefaultPlans is the entitlement table shipped with the product.
var DefaultPlans = []Plan{
	{ID: "personal_monthly", Label: "Personal Monthly", Kind: KindPersonal, Interval: models.BillingIntervalMonth, SeatLimit: 1},
	{ID: "personal_yearly", Label: "Personal Yearly", Kind: KindPersonal, Interval: models.BillingIntervalYear, SeatLimit: 1},
	{ID: "personal_lifetime", Label: "Personal Lifetime", Kind: KindPersonal, Interval: models.BillingIntervalPermanent, SeatLimit: 1},
	{ID: "team_monthly", Label: "Team Monthly", Kind: KindCorporate, Interval: models.BillingIntervalMonth, SeatLimit: 10},
	{ID: "team_yearly", Label: "Team Yearly", Kind: KindCorporate, Interval: models.BillingIntervalYear, SeatLimit: 10},
	{ID: "business_monthly", Label: "Business Monthly", Kind: KindCorporate, Interval: models.BillingIntervalMonth, SeatLimit: 50},
	{ID: "business_yearly", Label: "Business Yearly", Kind: KindCorporate, Interval: models.BillingIntervalYear, SeatLimit: 50},
}

// NewCatalog builds a catalog, rejecting duplicate ids and corporate plans
// without seats.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		id := normalizeID(p.ID)
		if id == "" {
			return nil, fmt.Errorf("plan id is required")
		}
		if _, dup := c.plans[id]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		if p.Kind == KindCorporate && p.SeatLimit <= 0 {
			return nil, fmt.Errorf("corporate plan %q needs a positive seat limit", p.ID)
		}
		if p.Kind == "" {
			p.Kind = KindPersonal
		}
		p.ID = id
		p.Interval = models.NormalizeBillingInterval(p.Interval)
		c.plans[id] = p
	}
	return c, nil
}

// LoadCatalog reads a JSON plan list (PLAN_CATALOG) or falls back to the
// default table when raw is empty.
func LoadCatalog(raw string) (*Catalog, error) {
	if strings.TrimSpace(raw) == "" {
		return NewCatalog(DefaultPlans)
	}
	var plans []Plan
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	return NewCatalog(plans)
}

// MustDefaultCatalog returns the built-in catalog; the table is static so
// construction cannot fail.
func MustDefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the plan for id.
func (c *Catalog) Lookup(id string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	p, ok := c.plans[normalizeID(id)]
	return p, ok
}

// Label resolves a display label; unknown ids never fail.
func (c *Catalog) Label(id string) string {
	if p, ok := c.Lookup(id); ok {
		return p.Label
	}
	return GenericPlanLabel
}

// SeatLimit returns the entitled seats for a plan, zero when unknown.
func (c *Catalog) SeatLimit(id string) int {
	if p, ok := c.Lookup(id); ok {
		return p.SeatLimit
	}
	return 0
}

// Plans returns all plans sorted by id.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
