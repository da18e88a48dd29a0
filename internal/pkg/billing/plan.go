package billing

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

// ResolvePlan maps the plan evidence of an event onto a catalog plan id.
// Resolution order: explicit plan hint known to the catalog, active plan
// mapping for the processor price, catalog id equal to the price ref.
// Unknown plans resolve to "" and are not an error.
func (s *Service) ResolvePlan(ctx context.Context, planHint, priceRef string) (string, error) {
	if id := normalizePlanID(planHint); id != "" {
		if _, ok := s.catalog.Lookup(id); ok {
			return id, nil
		}
	}

	ref := strings.TrimSpace(priceRef)
	if ref != "" {
		m, err := s.repo.FindActivePlanMapping(ctx, models.BillingProviderStripe, ref)
		if err == nil {
			return normalizePlanID(m.InternalPlan), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		if _, ok := s.catalog.Lookup(ref); ok {
			return normalizePlanID(ref), nil
		}
	}
	return normalizePlanID(planHint), nil
}

// resolveInterval prefers the processor's recurring interval and falls back
// to the catalog.
func resolveInterval(catalog *entitlements.Catalog, planID, hint string) string {
	if strings.TrimSpace(hint) != "" {
		return models.NormalizeBillingInterval(hint)
	}
	if p, ok := catalog.Lookup(planID); ok {
		return p.Interval
	}
	return models.BillingIntervalMonth
}

func normalizePlanID(plan string) string {
	return strings.ToLower(strings.TrimSpace(plan))
}

func isCorporatePlan(catalog *entitlements.Catalog, planID string) bool {
	p, ok := catalog.Lookup(planID)
	return ok && p.IsCorporate()
}
