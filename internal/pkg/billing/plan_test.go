package billing

import (
	"context"
	"testing"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

func TestResolvePlan(t *testing.T) {
	svc, repo := newTestService()
	repo.mappings["price_legacy"] = "Business_Yearly"

	tests := []struct {
		hint  string
		price string
		want  string
	}{
		{hint: "personal_monthly", price: "price_legacy", want: "personal_monthly"},
		{hint: "", price: "price_legacy", want: "business_yearly"},
		{hint: "", price: "team_monthly", want: "team_monthly"},
		{hint: "Mystery", price: "price_none", want: "mystery"},
		{hint: "", price: "", want: ""},
	}

	for _, tt := range tests {
		got, err := svc.ResolvePlan(context.Background(), tt.hint, tt.price)
		if err != nil {
			t.Fatalf("ResolvePlan(%q, %q) error: %v", tt.hint, tt.price, err)
		}
		if got != tt.want {
			t.Fatalf("ResolvePlan(%q, %q) = %q, want %q", tt.hint, tt.price, got, tt.want)
		}
	}
}

func TestResolveInterval(t *testing.T) {
	catalog := entitlements.MustDefaultCatalog()
	if got := resolveInterval(catalog, "team_yearly", ""); got != models.BillingIntervalYear {
		t.Fatalf("expected catalog interval year, got %q", got)
	}
	if got := resolveInterval(catalog, "team_yearly", "month"); got != models.BillingIntervalMonth {
		t.Fatalf("expected processor interval to win, got %q", got)
	}
	if got := resolveInterval(catalog, "unknown", ""); got != models.BillingIntervalMonth {
		t.Fatalf("expected month fallback, got %q", got)
	}
}

func TestIsCorporatePlan(t *testing.T) {
	catalog := entitlements.MustDefaultCatalog()
	for _, id := range []string{"team_monthly", "business_yearly"} {
		if !isCorporatePlan(catalog, id) {
			t.Fatalf("expected %q to be corporate", id)
		}
	}
	for _, id := range []string{"personal_monthly", "", "gold"} {
		if isCorporatePlan(catalog, id) {
			t.Fatalf("expected %q to be personal", id)
		}
	}
}
